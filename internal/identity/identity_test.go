package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/logen-app/logen/internal/domain"
)

func newTestIssuer(now time.Time) *Issuer {
	i := NewIssuer("test-secret", time.Hour, 24*time.Hour)
	i.now = func() time.Time { return now }
	return i
}

func TestIssueAndParse(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(now)

	token, exp, err := i.Issue("C1", RoleCustomer)
	require.NoError(t, err)
	require.WithinDuration(t, now.Add(time.Hour), exp, time.Second)

	p, err := i.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "C1", p.Subject)
	require.Equal(t, RoleCustomer, p.Role)
}

func TestIssueValidation(t *testing.T) {
	i := newTestIssuer(time.Now())
	_, _, err := i.Issue("", RoleAdmin)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = i.Issue("A1", "root")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseRejects(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(now)
	token, _, err := i.Issue("C1", RoleCustomer)
	require.NoError(t, err)

	other := NewIssuer("other-secret", time.Hour, time.Hour)
	_, err = other.Parse(token)
	require.ErrorIs(t, err, domain.ErrUnauthorized, "wrong secret")

	later := newTestIssuer(now.Add(2 * time.Hour))
	_, err = later.Parse(token)
	require.ErrorIs(t, err, domain.ErrUnauthorized, "expired")

	_, err = i.Parse("not-a-token")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRefreshIsPure(t *testing.T) {
	issued := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	i := newTestIssuer(issued)
	token, _, err := i.Issue("C1", RoleCustomer)
	require.NoError(t, err)

	// Expired an hour ago, still inside the refresh window.
	at := issued.Add(2 * time.Hour)
	fresh, exp, err := i.Refresh(token, at)
	require.NoError(t, err)
	require.Equal(t, at.Add(time.Hour), exp)

	i.now = func() time.Time { return at }
	p, err := i.Parse(fresh)
	require.NoError(t, err)
	require.Equal(t, "C1", p.Subject)

	_, _, err = i.Refresh(token, issued.Add(48*time.Hour))
	require.ErrorIs(t, err, domain.ErrUnauthorized, "past the refresh window")

	_, _, err = NewIssuer("other", time.Hour, time.Hour).Refresh(token, at)
	require.ErrorIs(t, err, domain.ErrUnauthorized, "bad signature")
}

func TestMiddleware(t *testing.T) {
	i := newTestIssuer(time.Now())
	customer, _, err := i.Issue("C1", RoleCustomer)
	require.NoError(t, err)
	admin, _, err := i.Issue("A1", RoleAdmin)
	require.NoError(t, err)

	var seen string
	h := Middleware(i, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + admin, "", http.StatusUnauthorized},
		{"wrong role", "Bearer " + customer, "", http.StatusForbidden},
		{"admin", "Bearer " + admin, "", http.StatusNoContent},
		{"query token", "", admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/admin/queue"
			if tt.query != "" {
				target += "?" + TokenQueryParam + "=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				require.Equal(t, "A1", seen)
			} else {
				require.Contains(t, rec.Body.String(), `"success":false`)
			}
		})
	}
}
