package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/campaign"
	"github.com/LeventeLantos/messaging-fleet/internal/client"
	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/model"
	"github.com/LeventeLantos/messaging-fleet/internal/ownership"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

type fakeCampaigns struct {
	gotUser  string
	gotReq   campaign.SubmitRequest
	gotLimit int

	submitErr error
	cancelErr error
	history   []model.Campaign
	status    model.StatusView
	beats     int
}

var _ Campaigns = (*fakeCampaigns)(nil)

func (f *fakeCampaigns) Submit(ctx context.Context, userID string, req campaign.SubmitRequest) (string, error) {
	f.gotUser, f.gotReq = userID, req
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "camp-1", nil
}

func (f *fakeCampaigns) Cancel(ctx context.Context, userID string) (*model.Campaign, error) {
	f.gotUser = userID
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &model.Campaign{ID: "camp-1", UserID: userID, Status: model.CampaignCanceled}, nil
}

func (f *fakeCampaigns) Heartbeat(ctx context.Context, userID string) error {
	f.gotUser = userID
	f.beats++
	return nil
}

func (f *fakeCampaigns) Status(ctx context.Context, userID string) (model.StatusView, error) {
	f.gotUser = userID
	return f.status, nil
}

func (f *fakeCampaigns) StatusDetailed(ctx context.Context, userID string) (model.DetailedStatus, error) {
	f.gotUser = userID
	return model.DetailedStatus{StatusView: f.status, HeartbeatAlive: true}, nil
}

func (f *fakeCampaigns) History(ctx context.Context, userID string, limit int) ([]model.Campaign, error) {
	f.gotUser, f.gotLimit = userID, limit
	return f.history, nil
}

type fakeSession struct {
	snap       conn.Snapshot
	refreshErr error
	refreshed  int
}

var _ session.Session = (*fakeSession)(nil)

func (s *fakeSession) Initialize(ctx context.Context) error { return nil }
func (s *fakeSession) Snapshot() conn.Snapshot              { return s.snap }
func (s *fakeSession) Send(ctx context.Context, to string, p conn.Payload) (string, error) {
	return "", conn.ErrNotReady
}
func (s *fakeSession) RefreshChallenge(ctx context.Context) error {
	s.refreshed++
	return s.refreshErr
}
func (s *fakeSession) Logout(ctx context.Context) error { return nil }
func (s *fakeSession) Shutdown()                        {}

type fakeConnections struct {
	sess      *fakeSession
	ensureErr error
	owner     string
	closed    []string
}

var _ Connections = (*fakeConnections)(nil)

func (f *fakeConnections) PodID() string { return "pod-a" }

func (f *fakeConnections) Ensure(ctx context.Context, userID string) (session.Session, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.sess, nil
}

func (f *fakeConnections) Close(ctx context.Context, userID string) error {
	f.closed = append(f.closed, userID)
	return nil
}

func (f *fakeConnections) Owner(ctx context.Context, userID string) (string, bool, error) {
	return f.owner, f.owner != "", nil
}

type fakeSessions struct{}

func (fakeSessions) ListActive() []conn.Snapshot {
	return []conn.Snapshot{{UserID: "u1", State: conn.Connected}}
}

func (fakeSessions) Stats() session.Stats {
	return session.Stats{Total: 1, Connected: 1}
}

type fakeChallenges struct{}

func (fakeChallenges) GetLoginChallenge(ctx context.Context, userID string) (string, bool, error) {
	return "data:image/png;base64,AAAA", true, nil
}

type fakeFleet struct{}

func (fakeFleet) Inventory(ctx context.Context) ([]store.PodInventory, error) {
	return []store.PodInventory{{PodID: "pod-a", Sessions: 1, Connected: 1, UpdatedAt: time.Now()}}, nil
}

type fakeEvents struct {
	got []client.Event
	err error
}

func (f *fakeEvents) Dispatch(ev client.Event) error {
	f.got = append(f.got, ev)
	return f.err
}

type testDeps struct {
	campaigns   *fakeCampaigns
	connections *fakeConnections
	events      *fakeEvents
}

func newTestServer(t *testing.T) (*testDeps, http.Handler) {
	t.Helper()

	d := &testDeps{
		campaigns:   &fakeCampaigns{},
		connections: &fakeConnections{sess: &fakeSession{snap: conn.Snapshot{UserID: "u1", State: conn.Connected}}},
		events:      &fakeEvents{},
	}
	h := NewHandler(Deps{
		Campaigns:   d.campaigns,
		Connections: d.connections,
		Sessions:    fakeSessions{},
		Challenges:  fakeChallenges{},
		Fleet:       fakeFleet{},
		Events:      d.events,
	})
	return d, Router(h)
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	t.Parallel()

	_, mux := newTestServer(t)
	rr := do(t, mux, http.MethodGet, "/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
	if body["podId"] != "pod-a" {
		t.Fatalf("expected podId, got %v", body)
	}
}

func TestSubmitCampaign(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	rr := do(t, mux, http.MethodPost, "/v1/users/u1/campaigns",
		`{"recipients":[{"phone":"573001112233","variables":{"name":"Ana"}}],"content":{"text":"Hola {name}"}}`)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}
	if body := decodeJSON(t, rr); body["campaignId"] != "camp-1" {
		t.Fatalf("expected campaignId, got %v", body)
	}
	if d.campaigns.gotUser != "u1" {
		t.Fatalf("expected user u1, got %q", d.campaigns.gotUser)
	}
	if len(d.campaigns.gotReq.Recipients) != 1 || d.campaigns.gotReq.Content.Text != "Hola {name}" {
		t.Fatalf("unexpected request %+v", d.campaigns.gotReq)
	}
}

func TestSubmitCampaign_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid recipients", &campaign.InvalidRecipientsError{Entries: []campaign.InvalidRecipient{{Index: 0, Phone: "1", Reason: "length"}}}, http.StatusBadRequest},
		{"no content", campaign.ErrNoContent, http.StatusBadRequest},
		{"no recipients", campaign.ErrNoRecipients, http.StatusBadRequest},
		{"in progress", campaign.ErrCampaignInProgress, http.StatusConflict},
		{"unexpected", errors.New("redis down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, mux := newTestServer(t)
			d.campaigns.submitErr = tc.err

			rr := do(t, mux, http.MethodPost, "/v1/users/u1/campaigns", `{"recipients":[],"content":{}}`)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%q", tc.want, rr.Code, rr.Body.String())
			}
			if tc.want == http.StatusInternalServerError && strings.Contains(rr.Body.String(), "redis down") {
				t.Fatalf("internal errors must not leak, got %q", rr.Body.String())
			}
		})
	}
}

func TestSubmitCampaign_InvalidRecipientsListsEntries(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	d.campaigns.submitErr = &campaign.InvalidRecipientsError{Entries: []campaign.InvalidRecipient{
		{Index: 1, Phone: "123", Reason: "length"},
	}}

	rr := do(t, mux, http.MethodPost, "/v1/users/u1/campaigns", `{}`)
	body := decodeJSON(t, rr)
	invalid, ok := body["invalid"].([]any)
	if !ok || len(invalid) != 1 {
		t.Fatalf("expected invalid entries, got %v", body)
	}
}

func TestSubmitCampaign_BadJSON(t *testing.T) {
	t.Parallel()

	_, mux := newTestServer(t)
	rr := do(t, mux, http.MethodPost, "/v1/users/u1/campaigns", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCancelCampaign(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	rr := do(t, mux, http.MethodPost, "/v1/users/u1/campaigns/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}

	d.campaigns.cancelErr = campaign.ErrNoActiveCampaign
	rr = do(t, mux, http.MethodPost, "/v1/users/u1/campaigns/cancel", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCampaignStatusAndHistory(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	d.campaigns.status = model.StatusView{CampaignID: "camp-1", Total: 3, Sent: 1, State: model.CampaignRunning}

	rr := do(t, mux, http.MethodGet, "/v1/users/u7/campaigns/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["state"] != "running" || body["total"] != float64(3) {
		t.Fatalf("unexpected status body %v", body)
	}
	if d.campaigns.gotUser != "u7" {
		t.Fatalf("expected user u7, got %q", d.campaigns.gotUser)
	}

	rr = do(t, mux, http.MethodGet, "/v1/users/u7/campaigns/status/detailed", "")
	if body := decodeJSON(t, rr); body["heartbeatAlive"] != true {
		t.Fatalf("unexpected detailed body %v", body)
	}

	rr = do(t, mux, http.MethodGet, "/v1/users/u7/campaigns/history?limit=5", "")
	if rr.Code != http.StatusOK || d.campaigns.gotLimit != 5 {
		t.Fatalf("expected limit 5, got %d (status %d)", d.campaigns.gotLimit, rr.Code)
	}
	if items, ok := decodeJSON(t, rr)["items"].([]any); !ok || len(items) != 0 {
		t.Fatalf("expected empty items array")
	}

	_ = do(t, mux, http.MethodGet, "/v1/users/u7/campaigns/history?limit=abc", "")
	if d.campaigns.gotLimit != 20 {
		t.Fatalf("expected default limit 20, got %d", d.campaigns.gotLimit)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	rr := do(t, mux, http.MethodPost, "/v1/users/u1/heartbeat", "")
	if rr.Code != http.StatusNoContent || d.campaigns.beats != 1 {
		t.Fatalf("expected 204 and one heartbeat, got %d / %d", rr.Code, d.campaigns.beats)
	}
}

func TestConnection(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	d.connections.sess.snap = conn.Snapshot{UserID: "u1", State: conn.QRPending, HasChallenge: true}

	rr := do(t, mux, http.MethodGet, "/v1/users/u1/connection", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["state"] != "qr_pending" || body["podId"] != "pod-a" {
		t.Fatalf("unexpected body %v", body)
	}
	if qr, _ := body["challenge"].(string); !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatalf("expected challenge data url, got %v", body["challenge"])
	}
}

func TestConnection_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"owned elsewhere", fmt.Errorf("ensure: %w", ownership.ErrOwnedElsewhere), http.StatusConflict},
		{"process busy", session.ErrProcessBusy, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, mux := newTestServer(t)
			d.connections.ensureErr = tc.err

			rr := do(t, mux, http.MethodGet, "/v1/users/u1/connection", "")
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestRefreshConnection(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)
	rr := do(t, mux, http.MethodPost, "/v1/users/u1/connection/refresh", "")
	if rr.Code != http.StatusAccepted || d.connections.sess.refreshed != 1 {
		t.Fatalf("expected 202 and one refresh, got %d / %d", rr.Code, d.connections.sess.refreshed)
	}

	d.connections.sess.refreshErr = conn.ErrAlreadyConnected
	rr = do(t, mux, http.MethodPost, "/v1/users/u1/connection/refresh", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestCloseConnection(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)

	d.connections.owner = "pod-b"
	rr := do(t, mux, http.MethodDelete, "/v1/users/u1/connection", "")
	if rr.Code != http.StatusConflict || len(d.connections.closed) != 0 {
		t.Fatalf("expected 409 without close, got %d closed=%v", rr.Code, d.connections.closed)
	}

	d.connections.owner = "pod-a"
	rr = do(t, mux, http.MethodDelete, "/v1/users/u1/connection", "")
	if rr.Code != http.StatusNoContent || len(d.connections.closed) != 1 {
		t.Fatalf("expected 204 and close, got %d closed=%v", rr.Code, d.connections.closed)
	}
}

func TestSessionsAndFleet(t *testing.T) {
	t.Parallel()

	_, mux := newTestServer(t)

	rr := do(t, mux, http.MethodGet, "/v1/sessions", "")
	body := decodeJSON(t, rr)
	if items, ok := body["items"].([]any); !ok || len(items) != 1 {
		t.Fatalf("expected one session, got %v", body)
	}

	rr = do(t, mux, http.MethodGet, "/v1/fleet", "")
	body = decodeJSON(t, rr)
	if pods, ok := body["pods"].([]any); !ok || len(pods) != 1 {
		t.Fatalf("expected one pod, got %v", body)
	}
}

func TestGatewayEvent(t *testing.T) {
	t.Parallel()

	d, mux := newTestServer(t)

	rr := do(t, mux, http.MethodPost, "/v1/gateway/events", `{"sessionId":"s1","type":"ready","identity":"573001112233"}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(d.events.got) != 1 || d.events.got[0].Identity != "573001112233" {
		t.Fatalf("unexpected dispatched events %+v", d.events.got)
	}

	d.events.err = client.ErrUnknownSession
	rr = do(t, mux, http.MethodPost, "/v1/gateway/events", `{"sessionId":"gone","type":"ready"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	d.events.err = client.ErrUnknownEvent
	rr = do(t, mux, http.MethodPost, "/v1/gateway/events", `{"sessionId":"s1","type":"bogus"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRouterRoot(t *testing.T) {
	t.Parallel()

	_, mux := newTestServer(t)
	rr := do(t, mux, http.MethodGet, "/", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "messaging-fleet" {
		t.Fatalf("expected body %q, got %q", "messaging-fleet", got)
	}

	if rr := do(t, mux, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rr.Code)
	}
}
