package uniqueness

import (
	"context"
	"fmt"

	"github.com/logen-app/logen/internal/sitefs"
)

// ExistenceChecker answers whether a normalized site ID is taken in one
// source. excludeSessionID lets a session re-check its own site ID.
type ExistenceChecker interface {
	Name() string
	Exists(ctx context.Context, siteID, excludeSessionID string) (bool, error)
}

// SiteIDLookup is the store method the database checker needs.
type SiteIDLookup interface {
	SiteIDInUse(ctx context.Context, siteID, excludeSessionID string) (bool, error)
}

// DatabaseChecker finds live wizard sessions holding the site ID.
type DatabaseChecker struct {
	store SiteIDLookup
}

// NewDatabaseChecker returns a checker backed by the session store.
func NewDatabaseChecker(store SiteIDLookup) *DatabaseChecker {
	return &DatabaseChecker{store: store}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Exists(ctx context.Context, siteID, excludeSessionID string) (bool, error) {
	inUse, err := c.store.SiteIDInUse(ctx, siteID, excludeSessionID)
	if err != nil {
		return false, fmt.Errorf("database lookup: %w", err)
	}
	return inUse, nil
}

// DirectoryChecker finds site bundles on disk. The same type serves the
// config-bundle and generated-site directories under different names.
type DirectoryChecker struct {
	name  string
	index *sitefs.Index
}

// NewConfigDirectoryChecker checks the site-config bundle directory.
func NewConfigDirectoryChecker(index *sitefs.Index) *DirectoryChecker {
	return &DirectoryChecker{name: "config_directory", index: index}
}

// NewGeneratedSiteChecker checks the generated-sites directory.
func NewGeneratedSiteChecker(index *sitefs.Index) *DirectoryChecker {
	return &DirectoryChecker{name: "generated_sites", index: index}
}

func (c *DirectoryChecker) Name() string { return c.name }

// Exists ignores excludeSessionID: a directory on disk is never owned by
// an in-progress session.
func (c *DirectoryChecker) Exists(ctx context.Context, siteID, _ string) (bool, error) {
	ok, err := c.index.Contains(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("%s lookup: %w", c.name, err)
	}
	return ok, nil
}
