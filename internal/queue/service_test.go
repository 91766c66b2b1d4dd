package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/notify"
	"github.com/logen-app/logen/internal/shared"
	"github.com/logen-app/logen/internal/store"
	"github.com/logen-app/logen/internal/uniqueness"
	"github.com/logen-app/logen/internal/wizard"
)

type fixture struct {
	queue   *Service
	wizard  *wizard.Service
	hub     *notify.Hub
	repo    *store.SQLiteStore
	session *domain.WizardSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "logen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	resolver := uniqueness.NewResolver(30, uniqueness.NewDatabaseChecker(repo))
	wiz := wizard.NewService(repo, resolver, shared.DefaultRetryPolicy, 30)
	hub := notify.NewHub()

	siteName := "Acme"
	session, err := wiz.Upsert(context.Background(), "wizard_1", "C1", wizard.StepUpdate{
		SiteName:   &siteName,
		WizardData: domain.WizardData{"business": json.RawMessage(`{"name":"Acme"}`)},
	})
	require.NoError(t, err)

	return &fixture{
		queue:   NewService(repo, wiz, hub, shared.DefaultRetryPolicy),
		wizard:  wiz,
		hub:     hub,
		repo:    repo,
		session: session,
	}
}

func (f *fixture) createImage(t *testing.T) *domain.AIRequest {
	t.Helper()
	req, err := f.queue.Create(context.Background(), "C1", CreateRequest{
		SessionID:   "wizard_1",
		Kind:        domain.KindImage,
		Prompt:      "A friendly plumber at work",
		TargetField: "heroImage",
	})
	require.NoError(t, err)
	return req
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.queue.Create(ctx, "C1", CreateRequest{
		SessionID: "wizard_1",
		Kind:      domain.KindContent,
		Prompt:    "  Write an about-us section  ",
	})
	require.NoError(t, err)
	require.Equal(t, domain.RequestPending, req.Status)
	require.Equal(t, "Write an about-us section", req.Prompt)
	require.Regexp(t, `^ai_content_[0-9a-f]{8}$`, req.TargetField)
	require.Empty(t, req.AssignedAdminID)

	_, err = f.queue.Create(ctx, "C2", CreateRequest{SessionID: "wizard_1", Kind: domain.KindImage, Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrNotFound, "foreign session")
	_, err = f.queue.Create(ctx, "C1", CreateRequest{SessionID: "wizard_1", Kind: "video", Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.queue.Create(ctx, "C1", CreateRequest{SessionID: "wizard_1", Kind: domain.KindImage, Prompt: "  "})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.queue.Create(ctx, "C1", CreateRequest{SessionID: "missing", Kind: domain.KindImage, Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateOnAbandonedSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.wizard.Abandon(context.Background(), "wizard_1", "C1")
	require.NoError(t, err)

	_, err = f.queue.Create(context.Background(), "C1", CreateRequest{SessionID: "wizard_1", Kind: domain.KindImage, Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestClaimThenSecondAdminConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)

	claimed, err := f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err)
	require.Equal(t, domain.RequestAssigned, claimed.Status)
	require.Equal(t, "A1", claimed.AssignedAdminID)

	_, err = f.queue.Claim(ctx, req.ID, "A2")
	require.ErrorIs(t, err, domain.ErrConflict)

	again, err := f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err, "re-claim by the holder is idempotent")
	require.Equal(t, "A1", again.AssignedAdminID)

	_, err = f.queue.Claim(ctx, "missing", "A1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for _, admin := range []string{"A1", "A2", "A3", "A4"} {
		wg.Add(1)
		go func(admin string) {
			defer wg.Done()
			_, err := f.queue.Claim(ctx, req.ID, admin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("claim by %s: %v", admin, err)
			}
		}(admin)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, 3, conflicts)
}

func TestCompletePendingIsInvalidState(t *testing.T) {
	f := newFixture(t)
	req := f.createImage(t)

	_, err := f.queue.Complete(context.Background(), req.ID, "A1", store.Completion{Result: json.RawMessage(`{"url":"x"}`)})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCompleteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)
	_, err := f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err)

	for _, result := range []string{"", "  ", "null", "{bad"} {
		_, err = f.queue.Complete(ctx, req.ID, "A1", store.Completion{Result: json.RawMessage(result)})
		require.ErrorIs(t, err, domain.ErrValidation, "result %q", result)
	}
	_, err = f.queue.Complete(ctx, req.ID, "A1", store.Completion{Result: json.RawMessage(`"x"`), ActualCost: -1})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.queue.Complete(ctx, req.ID, "A2", store.Completion{Result: json.RawMessage(`"x"`)})
	require.ErrorIs(t, err, domain.ErrConflict, "only the holder can complete")
}

func TestCompleteContentRequiresExpectedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.queue.Create(ctx, "C1", CreateRequest{
		SessionID:      "wizard_1",
		Kind:           domain.KindContent,
		Prompt:         "About us",
		ExpectedFields: []string{"headline", "body"},
		TargetField:    "about",
	})
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err)

	_, err = f.queue.Complete(ctx, req.ID, "A1", store.Completion{Result: json.RawMessage(`{"headline":"Hi"}`)})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.queue.Complete(ctx, req.ID, "A1", store.Completion{Result: json.RawMessage(`["Hi"]`)})
	require.ErrorIs(t, err, domain.ErrValidation)

	done, err := f.queue.Complete(ctx, req.ID, "A1", store.Completion{
		Result: json.RawMessage(`{"headline":"Hi","body":"We fix pipes."}`),
	})
	require.NoError(t, err)
	require.Equal(t, domain.RequestCompleted, done.Status)
}

func TestFullLifecycleMergesIntoSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)

	updates, cancel := f.hub.Subscribe(req.ID)
	defer cancel()

	_, err := f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err)
	_, err = f.queue.Start(ctx, req.ID, "A2")
	require.ErrorIs(t, err, domain.ErrConflict)
	started, err := f.queue.Start(ctx, req.ID, "A1")
	require.NoError(t, err)
	require.Equal(t, domain.RequestProcessing, started.Status)

	done, err := f.queue.Complete(ctx, req.ID, "A1", store.Completion{
		Result:     json.RawMessage(`{"url":"https://cdn.example/hero.png"}`),
		ActualCost: 0.04,
		Notes:      "generated with dall-e",
	})
	require.NoError(t, err)
	require.Equal(t, domain.RequestCompleted, done.Status)
	require.NotNil(t, done.MergedAt)

	latest := <-updates
	require.Equal(t, domain.RequestCompleted, latest.Status)

	session, err := f.wizard.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://cdn.example/hero.png"}`, string(session.WizardData["heroImage"]))
	require.Contains(t, session.WizardData, "business")

	_, err = f.queue.Complete(ctx, req.ID, "A1", store.Completion{Result: json.RawMessage(`"again"`)})
	require.ErrorIs(t, err, domain.ErrInvalidState, "completed is terminal")
	_, err = f.queue.Claim(ctx, req.ID, "A2")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestStatusRetriesPendingMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)

	// Drive the store directly so the merge step never ran.
	now := time.Now()
	ok, err := f.repo.ClaimAIRequest(ctx, req.ID, "A1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.repo.CompleteAIRequest(ctx, req.ID, "A1", store.Completion{Result: json.RawMessage(`"hero.png"`)}, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.queue.Status(ctx, "C1", req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MergedAt)

	session, err := f.wizard.Get(ctx, "wizard_1", "C1")
	require.NoError(t, err)
	require.JSONEq(t, `"hero.png"`, string(session.WizardData["heroImage"]))

	_, err = f.queue.Status(ctx, "C2", req.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailIsVisibleToCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)

	_, err := f.queue.Fail(ctx, req.ID, "A1", "  ")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err)
	_, err = f.queue.Fail(ctx, req.ID, "A2", "not mine")
	require.ErrorIs(t, err, domain.ErrConflict)

	failed, err := f.queue.Fail(ctx, req.ID, "A1", "content policy violation")
	require.NoError(t, err)
	require.Equal(t, domain.RequestFailed, failed.Status)

	got, err := f.queue.Status(ctx, "C1", req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestFailed, got.Status)
	require.Equal(t, "content policy violation", got.ErrorReason)

	_, err = f.queue.Fail(ctx, req.ID, "A1", "again")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestListAndListForSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createImage(t)
	f.createImage(t)
	_, err := f.queue.Claim(ctx, first.ID, "A1")
	require.NoError(t, err)

	pending, err := f.queue.List(ctx, domain.RequestFilter{Status: domain.RequestPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.queue.List(ctx, domain.RequestFilter{Status: "stuck"})
	require.ErrorIs(t, err, domain.ErrValidation)

	mine, err := f.queue.ListForSession(ctx, "C1", "wizard_1")
	require.NoError(t, err)
	require.Len(t, mine, 2)

	_, err = f.queue.ListForSession(ctx, "C2", "wizard_1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReclaimStaleLetsAnotherAdminClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.createImage(t)

	_, err := f.queue.Claim(ctx, req.ID, "A1")
	require.NoError(t, err)

	ids, err := f.queue.ReclaimStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, ids, "fresh claims are not stale")

	later := time.Now().UTC().Add(2 * time.Hour)
	f.queue.now = func() time.Time { return later }
	ids, err = f.queue.ReclaimStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, []string{req.ID}, ids)

	reclaimed, err := f.repo.GetAIRequest(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, reclaimed.UpdatedAt.Equal(later), "updated_at follows the service clock")

	claimed, err := f.queue.Claim(ctx, req.ID, "A2")
	require.NoError(t, err)
	require.Equal(t, "A2", claimed.AssignedAdminID)
	require.Equal(t, 1, claimed.ReclaimCount)

	_, err = f.queue.ReclaimStale(ctx, 0, 10)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReclaimerStopsWithContext(t *testing.T) {
	f := newFixture(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := StartReclaimer(ctx, f.queue, 10*time.Millisecond, time.Minute, 10)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reclaimer did not stop")
	}

	disabled := StartReclaimer(context.Background(), f.queue, time.Second, 0, 10)
	<-disabled
}
