// Package uniqueness decides whether a proposed site name is free across
// every source that can hold a site, and suggests the next free variant.
package uniqueness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/siteid"
)

// DefaultMaxAttempts bounds the suffix search.
const DefaultMaxAttempts = 1000

// Result is the outcome of a uniqueness check.
type Result struct {
	SiteID      string   `json:"siteId"`
	IsDuplicate bool     `json:"isDuplicate"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Collisions  []string `json:"collisions,omitempty"`
}

// Resolver runs all checkers for a candidate site ID.
type Resolver struct {
	checkers    []ExistenceChecker
	maxLen      int
	maxAttempts int
}

// NewResolver returns a resolver over checkers. maxLen <= 0 uses the
// default site ID length.
func NewResolver(maxLen int, checkers ...ExistenceChecker) *Resolver {
	if maxLen <= 0 {
		maxLen = siteid.DefaultMaxLength
	}
	return &Resolver{checkers: checkers, maxLen: maxLen, maxAttempts: DefaultMaxAttempts}
}

// SetMaxAttempts overrides the suffix search bound.
func (r *Resolver) SetMaxAttempts(n int) {
	if n > 0 {
		r.maxAttempts = n
	}
}

// MaxLength returns the site ID length limit.
func (r *Resolver) MaxLength() int { return r.maxLen }

// Check normalizes name and reports whether it collides. On collision the
// result carries the first free suffixed variant.
func (r *Resolver) Check(ctx context.Context, name, excludeSessionID string) (Result, error) {
	id, err := siteid.Normalize(name, r.maxLen)
	if err != nil {
		return Result{}, err
	}
	return r.CheckID(ctx, id, excludeSessionID)
}

// CheckID is Check for an already normalized site ID.
func (r *Resolver) CheckID(ctx context.Context, id, excludeSessionID string) (Result, error) {
	collisions, err := r.collisions(ctx, id, excludeSessionID)
	if err != nil {
		return Result{}, err
	}
	res := Result{SiteID: id, IsDuplicate: len(collisions) > 0, Collisions: collisions}
	if !res.IsDuplicate {
		return res, nil
	}

	for n := 2; n <= r.maxAttempts+1; n++ {
		candidate := siteid.WithSuffix(id, n, r.maxLen)
		hits, err := r.collisions(ctx, candidate, excludeSessionID)
		if err != nil {
			return Result{}, err
		}
		if len(hits) == 0 {
			res.Suggestion = candidate
			return res, nil
		}
	}

	slog.Warn("No free site id suffix found", "site_id", id, "attempts", r.maxAttempts)
	return res, domain.InvalidStatef("no free variant of site id %q within %d attempts", id, r.maxAttempts)
}

// collisions queries every checker concurrently and returns the sorted
// names of those that report the ID as taken.
func (r *Resolver) collisions(ctx context.Context, id, excludeSessionID string) ([]string, error) {
	hits := make([]bool, len(r.checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.checkers {
		g.Go(func() error {
			ok, err := c.Exists(gctx, id, excludeSessionID)
			if err != nil {
				return fmt.Errorf("check %s against %s: %w", id, c.Name(), err)
			}
			hits[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.Transient("uniqueness check", err)
	}

	var names []string
	for i, hit := range hits {
		if hit {
			names = append(names, r.checkers[i].Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
