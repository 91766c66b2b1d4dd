package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/shared"
	"github.com/logen-app/logen/internal/store"
	"github.com/logen-app/logen/internal/uniqueness"
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	svc  *Service
	repo *store.SQLiteStore

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "logen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	resolver := uniqueness.NewResolver(30, uniqueness.NewDatabaseChecker(repo))
	f := &fixture{repo: repo, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewService(repo, resolver, shared.DefaultRetryPolicy, 30)
	f.svc.now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func data(kv ...string) domain.WizardData {
	d := domain.WizardData{}
	for i := 0; i+1 < len(kv); i += 2 {
		d[kv[i]] = json.RawMessage(kv[i+1])
	}
	return d
}

func TestUpsertCreatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{
		SiteName:    ptr("Acme"),
		CurrentStep: ptr(2),
		WizardData:  data("business", `{"name":"Acme"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "acme", s.SiteID)
	require.Equal(t, domain.SessionInProgress, s.Status)
	require.Equal(t, int64(1), s.Version)
	require.Equal(t, 28, s.Progress())

	got, err := f.svc.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, "Acme", got.SiteName)
	require.JSONEq(t, `{"name":"Acme"}`, string(got.WizardData["business"]))
}

func TestUpsertPreservesUnsentFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{
		SiteName:     ptr("Acme"),
		BusinessType: ptr("plumbing"),
		CurrentStep:  ptr(1),
		WizardData:   data("business", `{"name":"Acme"}`, "services", `["drains"]`),
	})
	require.NoError(t, err)

	update := StepUpdate{CurrentStep: ptr(2), WizardData: data("content", `{"hero":"Hi"}`)}
	for i := 0; i < 3; i++ {
		_, err = f.svc.Upsert(ctx, "wizard_1", "C1", update)
		require.NoError(t, err)
	}

	got, err := f.svc.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, "Acme", got.SiteName)
	require.Equal(t, "acme", got.SiteID)
	require.Equal(t, "plumbing", got.BusinessType)
	require.Equal(t, 2, got.CurrentStep)
	require.Len(t, got.WizardData, 3)
	require.JSONEq(t, `["drains"]`, string(got.WizardData["services"]))
	require.Equal(t, int64(4), got.Version)
}

func TestUpsertMergesTopLevelOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{
		WizardData: data("business", `{"name":"Acme","phone":"555"}`, "draft", `true`),
	})
	require.NoError(t, err)

	s, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{
		WizardData: data("business", `{"name":"Acme Co"}`, "draft", `null`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Acme Co"}`, string(s.WizardData["business"]), "nested objects are replaced")
	_, ok := s.WizardData["draft"]
	require.False(t, ok, "null deletes the key")
}

func TestUpsertBumpsLastActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(0)})
	require.NoError(t, err)
	second, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{})
	require.NoError(t, err)
	require.True(t, second.LastActiveAt.After(first.LastActiveAt))
	require.True(t, first.CreatedAt.Equal(second.CreatedAt))

	stored, err := f.svc.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, time.UTC, stored.CreatedAt.Location())
	require.Equal(t, time.UTC, stored.LastActiveAt.Location())
}

func TestUpsertForeignSessionIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, "wizard_1", "C2", StepUpdate{SiteName: ptr("Hijack")})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.Get(ctx, "wizard_1", "C2")
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := f.svc.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, "Acme", got.SiteName)
}

func TestUpsertValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(8)})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(-1)})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Upsert(ctx, "bad id/with slash", "C1", StepUpdate{})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteID: ptr("!!!")})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Upsert(ctx, "wizard_1", "", StepUpdate{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestUpsertExplicitSiteIDIsNormalized(t *testing.T) {
	f := newFixture(t)
	s, err := f.svc.Upsert(context.Background(), "wizard_1", "C1", StepUpdate{
		SiteName: ptr("Acme Plumbing"),
		SiteID:   ptr("Acme-HQ"),
	})
	require.NoError(t, err)
	require.Equal(t, "acme-hq", s.SiteID)
}

// Stale retries are last-write-wins: a late write with a lower step
// regresses currentStep. Clients that need protection send a version.
func TestUpsertStaleStepRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(2)})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(5)})
	require.NoError(t, err)

	s, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(2)})
	require.NoError(t, err)
	require.Equal(t, 2, s.CurrentStep)
}

func TestUpsertStaleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(2)})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(5), Version: ptr(first.Version)})
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(2), Version: ptr(first.Version)})
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := f.svc.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, 5, got.CurrentStep)
}

func TestConcurrentUpsertsKeepAllKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{})
	require.NoError(t, err)

	keys := []string{"business", "content", "services", "images", "features", "contact"}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{WizardData: data(key, `"v"`)})
			if err != nil && !errors.Is(err, domain.ErrTransient) {
				t.Errorf("upsert %s: %v", key, err)
			}
		}(key)
	}
	wg.Wait()

	got, err := f.svc.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Len(t, got.WizardData, len(keys))
}

func TestListOnlyReturnsOwnSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, "wizard_2", "C1", StepUpdate{SiteName: ptr("Beta")})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, "wizard_3", "C2", StepUpdate{SiteName: ptr("Gamma")})
	require.NoError(t, err)

	mine, err := f.svc.List(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, "wizard_2", mine[0].SessionID, "most recently active first")

	theirs, err := f.svc.List(ctx, "C2")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	require.Equal(t, "wizard_3", theirs[0].SessionID)
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)

	_, err = f.svc.Abandon(ctx, "wizard_1", "C2")
	require.ErrorIs(t, err, domain.ErrNotFound)

	s, err := f.svc.Abandon(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, domain.SessionAbandoned, s.Status)

	_, err = f.svc.Abandon(ctx, "wizard_1", "C1")
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(3)})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// Abandoned sessions stay listed and release their site id.
	list, err := f.svc.List(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = f.svc.Upsert(ctx, "wizard_2", "C2", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)
	_, err = f.svc.Finalize(ctx, "wizard_2", "C2")
	require.NoError(t, err)
}

func TestFinalizeReservesSiteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)

	s, err := f.svc.Finalize(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.True(t, s.IsReserved())
	require.Equal(t, "acme", s.SiteID)

	again, err := f.svc.Finalize(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.Equal(t, s.Version, again.Version, "finalize is idempotent")
}

func TestFinalizeDuplicateReturnsSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, "wizard_2", "C2", StepUpdate{SiteName: ptr("ACME!")})
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, "wizard_2", "C2")
	require.ErrorIs(t, err, domain.ErrConflict)
	var dup *domain.DuplicateSiteError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "acme", dup.SiteID)
	require.Equal(t, "acme-2", dup.Suggestion)

	got, err := f.svc.Get(ctx, "wizard_2", "C2")
	require.NoError(t, err)
	require.False(t, got.IsReserved(), "a rejected finalize reserves nothing")

	_, err = f.svc.Upsert(ctx, "wizard_2", "C2", StepUpdate{SiteID: ptr(dup.Suggestion)})
	require.NoError(t, err)
	s, err := f.svc.Finalize(ctx, "wizard_2", "C2")
	require.NoError(t, err)
	require.Equal(t, "acme-2", s.SiteID)
}

// racingChecker reports every site ID as free, so only the store's
// reservation index can stop the second finalize.
type racingChecker struct{}

func (racingChecker) CheckID(_ context.Context, id, _ string) (uniqueness.Result, error) {
	return uniqueness.Result{SiteID: id}, nil
}

func TestFinalizeRaceLosesOnReservationIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.checker = racingChecker{}

	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, "wizard_2", "C2", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	_, err = f.svc.Finalize(ctx, "wizard_2", "C2")
	var dup *domain.DuplicateSiteError
	require.ErrorAs(t, err, &dup)
}

func TestFinalizeRejectsUnusableName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("   ")})
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, "wizard_1", "C1")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestMarkCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{SiteName: ptr("Acme")})
	require.NoError(t, err)

	_, err = f.svc.MarkCompleted(ctx, "wizard_1")
	require.ErrorIs(t, err, domain.ErrInvalidState, "must be finalized first")

	_, err = f.svc.Finalize(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	s, err := f.svc.MarkCompleted(ctx, "wizard_1")
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, s.Status)
	require.NotNil(t, s.CompletedAt)

	_, err = f.svc.MarkCompleted(ctx, "wizard_1")
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{CurrentStep: ptr(7)})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.svc.MarkCompleted(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMergeResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Upsert(ctx, "wizard_1", "C1", StepUpdate{WizardData: data("business", `{"name":"Acme"}`)})
	require.NoError(t, err)

	s, err := f.svc.MergeResult(ctx, "wizard_1", "heroImage", []byte(`{"url":"https://cdn/x.png"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://cdn/x.png"}`, string(s.WizardData["heroImage"]))
	require.Contains(t, s.WizardData, "business")

	_, err = f.svc.MergeResult(ctx, "missing", "heroImage", []byte(`1`))
	require.ErrorIs(t, err, domain.ErrNotFound)
}
