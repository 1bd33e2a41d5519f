// internal/server/server_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/clients"
	"tollgate/internal/events"
	"tollgate/internal/membership"
	"tollgate/internal/store/memory"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

type testServer struct {
	*httptest.Server
	clock    clockwork.FakeClock
	recorder *events.Recorder
}

func newTestServer(t *testing.T, throttle *Throttle) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	rec := events.NewRecorder(clock)
	dir := clients.NewStaticDirectory(false)
	dir.AddResource("channel-1", "admin")

	router := NewRouter(Options{
		Tariffs:     tariff.NewService(store, dir, clock),
		Tokens:      token.NewService(store, store, dir, rec, clock),
		Memberships: membership.NewService(store, rec, clock),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, "tollgate_redemptions_total 1")
		}),
		Throttle: throttle,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clock: clock, recorder: rec}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *testServer) createTariff(t *testing.T, durationDays int) tariff.Tariff {
	var tr tariff.Tariff
	status := s.do(t, http.MethodPost, "/tariffs", map[string]any{
		"resource_id":         "channel-1",
		"name":                "monthly",
		"price":               "4.99",
		"duration_days":       durationDays,
		"token_validity_days": 7,
	}, &tr)
	require.Equal(t, http.StatusCreated, status)
	return tr
}

func (s *testServer) issue(t *testing.T, tariffID string, maxUses int) token.Issued {
	var issued token.Issued
	status := s.do(t, http.MethodPost, "/tariffs/"+tariffID+"/tokens", map[string]any{
		"issuer_subject_id": "admin",
		"max_uses":          maxUses,
	}, &issued)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, issued.Secret)
	return issued
}

func TestRedemptionFlow(t *testing.T) {
	s := newTestServer(t, NewThrottle(1000, 1000, 0))
	tr := s.createTariff(t, 30)
	issued := s.issue(t, tr.ID.String(), 1)

	var res token.Redemption
	status := s.do(t, http.MethodPost, "/redeem", token.RedeemRequestBody{Secret: issued.Secret, SubjectID: "viewer"}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, res.Token.UsesRemaining)
	assert.Equal(t, "channel-1", res.ResourceID)
	require.NotNil(t, res.Membership.ExpiresAt)
	assert.Equal(t, s.clock.Now().AddDate(0, 0, 30), res.Membership.ExpiresAt.UTC())

	var snap membership.Snapshot
	status = s.do(t, http.MethodGet, "/resources/channel-1/members/viewer", nil, &snap)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, snap.IsCurrentlyActive)

	var e errBody
	status = s.do(t, http.MethodPost, "/redeem", token.RedeemRequestBody{Secret: issued.Secret, SubjectID: "other"}, &e)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "TOKEN_EXHAUSTED", e.Code)

	status = s.do(t, http.MethodPost, "/redeem", token.RedeemRequestBody{Secret: "nope", SubjectID: "other"}, &e)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "TOKEN_NOT_FOUND", e.Code)

	assert.Equal(t, 1, s.recorder.Count(events.KindTokenRedeemed))
	assert.Equal(t, 1, s.recorder.Count(events.KindMembershipActivated))
	assert.Equal(t, 1, s.recorder.Count(events.KindTokenExhausted))
}

func TestExpiredTokenIsGone(t *testing.T) {
	s := newTestServer(t, nil)
	tr := s.createTariff(t, 30)
	issued := s.issue(t, tr.ID.String(), 1)

	s.clock.Advance(8 * 24 * time.Hour)

	var e errBody
	status := s.do(t, http.MethodPost, "/redeem", token.RedeemRequestBody{Secret: issued.Secret, SubjectID: "late"}, &e)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "TOKEN_EXPIRED", e.Code)
}

func TestConcurrentHTTPRedemptions(t *testing.T) {
	s := newTestServer(t, nil)
	tr := s.createTariff(t, 30)
	issued := s.issue(t, tr.ID.String(), 3)

	const n = 20
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = s.do(t, http.MethodPost, "/redeem",
				token.RedeemRequestBody{Secret: issued.Secret, SubjectID: fmt.Sprintf("s%d", i)}, nil)
		}()
	}
	wg.Wait()

	ok, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, n-3, conflict)

	var tok token.AccessToken
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/tokens/"+issued.ID.String(), nil, &tok))
	assert.Equal(t, 0, tok.UsesRemaining)
}

func TestTariffAndTokenAdministration(t *testing.T) {
	s := newTestServer(t, nil)
	tr := s.createTariff(t, 30)
	issued := s.issue(t, tr.ID.String(), 5)

	var updated tariff.Tariff
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/tariffs/"+tr.ID.String(),
		map[string]any{"duration_days": 60}, &updated))
	assert.Equal(t, 60, updated.DurationDays)

	var list []tariff.Tariff
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/resources/channel-1/tariffs", nil, &list))
	assert.Len(t, list, 1)

	var tokens []token.AccessToken
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/tariffs/"+tr.ID.String()+"/tokens", nil, &tokens))
	require.Len(t, tokens, 1)

	var e errBody
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, "/tariffs/"+tr.ID.String(), nil, &e))
	assert.Equal(t, "INVALID_STATE", e.Code)

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/tokens/"+issued.ID.String()+"/revoke",
		map[string]string{"by_admin_id": "admin"}, nil))
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/redeem",
		token.RedeemRequestBody{Secret: issued.Secret, SubjectID: "v"}, &e))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/tariffs/"+tr.ID.String()+"/deactivate", nil, &updated))
	assert.False(t, updated.Active)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/tariffs/"+tr.ID.String()+"/tokens",
		map[string]any{"issuer_subject_id": "admin"}, &e))
	assert.Equal(t, "TARIFF_INACTIVE", e.Code)
}

func TestMembershipJoinAndDecision(t *testing.T) {
	s := newTestServer(t, nil)

	var m membership.Membership
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/resources/channel-1/members/u1/join", nil, &m))
	assert.Equal(t, membership.StatusPending, m.Status)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/resources/channel-1/members/u1/decision",
		map[string]any{"approve": true, "duration_days": 10}, &m))
	assert.Equal(t, membership.StatusActive, m.Status)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/resources/channel-1/members/u1/grant",
		map[string]any{"duration_days": 30, "by_admin_id": "admin"}, &m))
	require.NotNil(t, m.ExpiresAt)
	assert.Equal(t, s.clock.Now().AddDate(0, 0, 30), m.ExpiresAt.UTC())
}

func TestRedeemThrottle(t *testing.T) {
	s := newTestServer(t, NewThrottle(0.001, 2, 16))
	body := token.RedeemRequestBody{Secret: "guess", SubjectID: "brute"}

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/redeem", body, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/redeem", body, nil))

	var e errBody
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/redeem", body, &e))
	assert.Equal(t, "RATE_LIMITED", e.Code)

	// Other routes are not throttled.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil))
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	th := NewThrottle(0.001, 1, 16)
	assert.True(t, th.Allow("subject:a"))
	assert.False(t, th.Allow("subject:a"))
	assert.True(t, th.Allow("subject:b"))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil))

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	failing := httptest.NewServer(NewRouter(Options{
		Ready: func(context.Context) error { return errors.New("db down") },
	}))
	defer failing.Close()
	resp, err = failing.Client().Get(failing.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	srv := New("127.0.0.1:0", http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
