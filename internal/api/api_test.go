package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/hunt-foreman/internal/api"
	"github.com/bcnelson/hunt-foreman/internal/approval"
	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/flows"
	"github.com/bcnelson/hunt-foreman/internal/foreman"
	"github.com/bcnelson/hunt-foreman/internal/hunt"
	"github.com/bcnelson/hunt-foreman/internal/service"
	"github.com/bcnelson/hunt-foreman/internal/storage/memory"
	"github.com/bcnelson/hunt-foreman/internal/tailscale"
)

const bootstrapKey = "test-bootstrap-key"

// switchDispatcher fails every dispatch while failing is set.
type switchDispatcher struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (d *switchDispatcher) Dispatch(ctx context.Context, endpointID string, actions []domain.Action) error {
	d.calls.Add(1)
	if d.failing.Load() {
		return errors.New("broker unavailable")
	}
	return nil
}

// testServer creates a test server with in-memory storage
type testServer struct {
	handler    http.Handler
	store      *memory.Store
	dispatcher *switchDispatcher
}

func newTestServer(t *testing.T, ap approval.Policy) *testServer {
	t.Helper()
	store := memory.New()
	dispatcher := &switchDispatcher{}

	engine := foreman.New(store, dispatcher)
	approvals := approval.New(store, nil, ap)
	registry := flows.Builtin()
	hunts := hunt.NewService(store, engine, approvals, registry, hunt.Policy{RuleExpiry: time.Hour})

	// OIDC, inventory and metrics disabled for tests
	handler := api.NewRouter(api.Deps{
		Store:        store,
		Engine:       engine,
		Hunts:        hunts,
		Approvals:    approvals,
		Flows:        registry,
		BootstrapKey: bootstrapKey,
		Logger:       zerolog.Nop(),
	})

	return &testServer{handler: handler, store: store, dispatcher: dispatcher}
}

func defaultServer(t *testing.T) *testServer {
	return newTestServer(t, approval.Policy{Threshold: 1, AllowSelfApproval: true})
}

func (ts *testServer) request(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

// createKey creates an API key named name and returns the raw key.
func (ts *testServer) createKey(t *testing.T, auth, name string) string {
	t.Helper()
	rr := ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: name}, auth)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp domain.CreateAPIKeyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Key
}

// operators swaps the bootstrap key for two named operators.
func (ts *testServer) operators(t *testing.T) (alice, bob string) {
	t.Helper()
	alice = ts.createKey(t, bootstrapKey, "alice")
	bob = ts.createKey(t, alice, "bob")
	return alice, bob
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) domain.StandardError {
	t.Helper()
	require.Equal(t, status, rr.Code, rr.Body.String())
	resp := decode[domain.StandardErrorResponse](t, rr)
	assert.Equal(t, code, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Message)
	return resp.Error
}

func linuxHunt() map[string]any {
	return map[string]any{
		"description": "triage linux fleet",
		"flow_name":   "Interrogate",
		"predicates": []map[string]any{
			{"type": "regex", "attribute_name": "System", "attribute_regex": "^Linux$"},
		},
	}
}

func checkIn(id, system string) map[string]any {
	return map[string]any{
		"endpoint_id": id,
		"attributes":  map[string]any{"System": system, "Hostname": id + ".example.com"},
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := defaultServer(t)

	rr := ts.request("GET", "/health", nil, "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestAuthRequired(t *testing.T) {
	ts := defaultServer(t)

	assertError(t, ts.request("GET", "/api/v1/hunts", nil, ""), http.StatusUnauthorized, domain.ErrCodeUnauthorized)
	assertError(t, ts.request("GET", "/api/v1/hunts", nil, "wrong-key"), http.StatusUnauthorized, domain.ErrCodeUnauthorized)

	req := httptest.NewRequest("GET", "/api/v1/hunts", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assertError(t, rr, http.StatusUnauthorized, domain.ErrCodeUnauthorized)
}

func TestBootstrapKeyDisabledAfterFirstKey(t *testing.T) {
	ts := defaultServer(t)

	rr := ts.request("GET", "/api/v1/keys", nil, bootstrapKey)
	require.Equal(t, http.StatusOK, rr.Code)

	key := ts.createKey(t, bootstrapKey, "alice")
	assert.Regexp(t, `^hf_`, key)

	assertError(t, ts.request("GET", "/api/v1/keys", nil, bootstrapKey), http.StatusUnauthorized, domain.ErrCodeUnauthorized)
	assert.Equal(t, http.StatusOK, ts.request("GET", "/api/v1/keys", nil, key).Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := defaultServer(t)
	alice, _ := ts.operators(t)

	rr := ts.request("GET", "/api/v1/keys", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	keys := decode[[]domain.APIKey](t, rr)
	require.Len(t, keys, 2)
	assert.NotContains(t, rr.Body.String(), "key_hash")

	errBody := assertError(t, ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "has space"}, alice),
		http.StatusBadRequest, domain.ErrCodeValidationError)
	assert.Equal(t, "name", errBody.Field)

	assertError(t, ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "bob"}, alice),
		http.StatusConflict, domain.ErrCodeResourceAlreadyExists)

	var bobID string
	for _, k := range keys {
		if k.Name == "bob" {
			bobID = k.ID
		}
	}
	require.NotEmpty(t, bobID)
	assert.Equal(t, http.StatusNoContent, ts.request("DELETE", "/api/v1/keys/"+bobID, nil, alice).Code)
	assertError(t, ts.request("DELETE", "/api/v1/keys/"+bobID, nil, alice), http.StatusNotFound, domain.ErrCodeResourceNotFound)
}

func TestListFlows(t *testing.T) {
	ts := defaultServer(t)

	rr := ts.request("GET", "/api/v1/flows", nil, bootstrapKey)
	require.Equal(t, http.StatusOK, rr.Code)

	var names []string
	for _, f := range decode[[]flows.Flow](t, rr) {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "Interrogate")
	assert.Contains(t, names, "FileFinder")
}

func TestUngatedHuntLifecycle(t *testing.T) {
	ts := defaultServer(t)
	alice, _ := ts.operators(t)

	rr := ts.request("POST", "/api/v1/hunts", linuxHunt(), alice)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[domain.Hunt](t, rr)
	assert.Equal(t, domain.HuntDraft, created.State)
	assert.Equal(t, "alice", created.Creator)
	assert.Equal(t, true, created.FlowArgs["lightweight"])

	// Nothing installed until activation.
	rr = ts.request("POST", "/api/v1/checkin", checkIn("ep-1", "Linux"), alice)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[domain.CheckInResponse](t, rr).Actions)

	rr = ts.request("POST", "/api/v1/hunts/"+created.ID+"/activate", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	active := decode[domain.Hunt](t, rr)
	assert.Equal(t, domain.HuntActive, active.State)
	assert.NotEmpty(t, active.RuleID)

	rr = ts.request("GET", "/api/v1/rules", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	rules := decode[[]domain.Rule](t, rr)
	require.Len(t, rules, 1)
	assert.Equal(t, active.RuleID, rules[0].ID)

	rr = ts.request("GET", "/api/v1/hunts/"+created.ID+"/rule", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, created.ID, decode[domain.Rule](t, rr).HuntID)

	// First matching check-in fires, the second is already processed.
	rr = ts.request("POST", "/api/v1/checkin", checkIn("ep-1", "Linux"), alice)
	require.Equal(t, http.StatusOK, rr.Code)
	actions := decode[domain.CheckInResponse](t, rr).Actions
	require.Len(t, actions, 1)
	assert.Equal(t, created.ID, actions[0].HuntID)
	assert.Equal(t, "Interrogate", actions[0].FlowName)

	rr = ts.request("POST", "/api/v1/checkin", checkIn("ep-1", "Linux"), alice)
	assert.Empty(t, decode[domain.CheckInResponse](t, rr).Actions)

	rr = ts.request("POST", "/api/v1/checkin", checkIn("ep-2", "Windows"), alice)
	assert.Empty(t, decode[domain.CheckInResponse](t, rr).Actions)

	rr = ts.request("GET", "/api/v1/hunts/"+created.ID, nil, alice)
	assert.Equal(t, 1, decode[domain.Hunt](t, rr).ClientCount)

	rr = ts.request("GET", "/api/v1/hunts/"+created.ID+"/preview", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	preview := decode[domain.PreviewResponse](t, rr)
	assert.Equal(t, 2, preview.Checked)
	assert.Equal(t, []string{"ep-1"}, preview.Endpoints)

	rr = ts.request("GET", "/api/v1/hunts?state=active", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]domain.Hunt](t, rr), 1)

	rr = ts.request("POST", "/api/v1/hunts/"+created.ID+"/stop", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	stopped := decode[domain.Hunt](t, rr)
	assert.Equal(t, domain.HuntStopped, stopped.State)
	assert.Equal(t, domain.StopReasonOperator, stopped.StopReason)
	assert.Equal(t, 1, stopped.ClientCount)

	rr = ts.request("GET", "/api/v1/rules", nil, alice)
	assert.Empty(t, decode[[]domain.Rule](t, rr))
	assertError(t, ts.request("GET", "/api/v1/hunts/"+created.ID+"/rule", nil, alice), http.StatusNotFound, domain.ErrCodeResourceNotFound)
	assertError(t, ts.request("POST", "/api/v1/hunts/"+created.ID+"/stop", nil, alice), http.StatusConflict, domain.ErrCodeConflict)
	assertError(t, ts.request("POST", "/api/v1/hunts/"+created.ID+"/activate", nil, alice), http.StatusConflict, domain.ErrCodeConflict)
}

func TestCreateHuntValidation(t *testing.T) {
	ts := defaultServer(t)

	tests := []struct {
		name  string
		body  map[string]any
		code  string
		field string
	}{
		{
			name:  "unknown flow",
			body:  map[string]any{"flow_name": "NoSuchFlow"},
			code:  domain.ErrCodeInvalidArguments,
			field: "flow_name",
		},
		{
			name:  "bad argument type",
			body:  map[string]any{"flow_name": "DownloadDirectory", "flow_args": map[string]any{"pathspec_path": "/etc", "depth": "deep"}},
			code:  domain.ErrCodeInvalidArguments,
			field: "flow_args.depth",
		},
		{
			name: "bad regex",
			body: map[string]any{"flow_name": "Interrogate", "predicates": []map[string]any{
				{"type": "regex", "attribute_name": "System", "attribute_regex": "("},
			}},
			code:  domain.ErrCodeValidationError,
			field: "predicates[0].attribute_regex",
		},
		{
			name: "unknown os class",
			body: map[string]any{"flow_name": "Interrogate", "predicates": []map[string]any{
				{"type": "os_class", "os_class": "BEOS"},
			}},
			code:  domain.ErrCodeValidationError,
			field: "predicates[0].os_class",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errBody := assertError(t, ts.request("POST", "/api/v1/hunts", tt.body, bootstrapKey), http.StatusBadRequest, tt.code)
			assert.Equal(t, tt.field, errBody.Field)
		})
	}

	rr := ts.request("POST", "/api/v1/hunts", nil, bootstrapKey)
	assertError(t, rr, http.StatusBadRequest, domain.ErrCodeInvalidInput)

	assertError(t, ts.request("GET", "/api/v1/hunts?state=BOGUS", nil, bootstrapKey), http.StatusBadRequest, domain.ErrCodeValidationError)
	assertError(t, ts.request("GET", "/api/v1/hunts/missing", nil, bootstrapKey), http.StatusNotFound, domain.ErrCodeResourceNotFound)
}

func createGatedHunt(t *testing.T, ts *testServer, key string) domain.Hunt {
	t.Helper()
	body := linuxHunt()
	body["requires_approval"] = true
	rr := ts.request("POST", "/api/v1/hunts", body, key)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[domain.Hunt](t, rr)
}

func TestGatedHuntApproval(t *testing.T) {
	ts := defaultServer(t)
	alice, bob := ts.operators(t)
	h := createGatedHunt(t, ts, alice)

	errBody := assertError(t, ts.request("POST", "/api/v1/hunts/"+h.ID+"/activate", nil, alice),
		http.StatusBadRequest, domain.ErrCodeValidationError)
	assert.Equal(t, "reason", errBody.Field)

	rr := ts.request("POST", "/api/v1/hunts/"+h.ID+"/activate", domain.ActivateHuntRequest{
		Reason:    "incident 42",
		Approvers: []string{"bob"},
		EmailCC:   []string{"soc@example.com"},
	}, alice)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	pending := decode[domain.Hunt](t, rr)
	assert.Equal(t, domain.HuntPendingApproval, pending.State)
	require.NotEmpty(t, pending.ApprovalID)

	assertError(t, ts.request("GET", "/api/v1/hunts/"+h.ID+"/rule", nil, alice), http.StatusNotFound, domain.ErrCodeResourceNotFound)

	rr = ts.request("GET", "/api/v1/approvals?state=open&hunt_id="+h.ID, nil, bob)
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]domain.ApprovalView](t, rr)
	require.Len(t, views, 1)
	assert.Equal(t, pending.ApprovalID, views[0].ID)
	assert.Equal(t, []string{"bob"}, views[0].Candidates)
	assert.False(t, views[0].IsValid)

	rr = ts.request("POST", "/api/v1/approvals/"+pending.ApprovalID+"/grant", nil, bob)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.request("GET", "/api/v1/approvals/"+pending.ApprovalID, nil, bob)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[domain.ApprovalView](t, rr)
	assert.Equal(t, domain.ApprovalGranted, view.State)
	assert.Equal(t, []string{"bob"}, view.GrantedBy)
	assert.True(t, view.IsValid)

	rr = ts.request("GET", "/api/v1/hunts/"+h.ID, nil, alice)
	assert.Equal(t, domain.HuntActive, decode[domain.Hunt](t, rr).State)

	rr = ts.request("POST", "/api/v1/checkin", checkIn("ep-1", "Linux"), alice)
	assert.Len(t, decode[domain.CheckInResponse](t, rr).Actions, 1)

	assertError(t, ts.request("POST", "/api/v1/approvals/"+pending.ApprovalID+"/deny", nil, bob), http.StatusConflict, domain.ErrCodeConflict)
}

func TestHuntApproveEndpoint(t *testing.T) {
	ts := defaultServer(t)
	alice, bob := ts.operators(t)
	h := createGatedHunt(t, ts, alice)

	assertError(t, ts.request("POST", "/api/v1/hunts/"+h.ID+"/approve", nil, bob), http.StatusConflict, domain.ErrCodeConflict)

	rr := ts.request("POST", "/api/v1/hunts/"+h.ID+"/activate", domain.ActivateHuntRequest{Reason: "sweep"}, alice)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.request("POST", "/api/v1/hunts/"+h.ID+"/approve", nil, bob)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.HuntActive, decode[domain.Hunt](t, rr).State)
}

func TestApprovalDenyStopsHunt(t *testing.T) {
	ts := defaultServer(t)
	alice, bob := ts.operators(t)
	h := createGatedHunt(t, ts, alice)

	rr := ts.request("POST", "/api/v1/hunts/"+h.ID+"/activate", domain.ActivateHuntRequest{Reason: "sweep"}, alice)
	pending := decode[domain.Hunt](t, rr)

	rr = ts.request("POST", "/api/v1/approvals/"+pending.ApprovalID+"/deny", nil, bob)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.request("GET", "/api/v1/hunts/"+h.ID, nil, alice)
	stopped := decode[domain.Hunt](t, rr)
	assert.Equal(t, domain.HuntStopped, stopped.State)
	assert.Equal(t, domain.StopReasonDenied, stopped.StopReason)

	rr = ts.request("GET", "/api/v1/approvals?state=denied", nil, alice)
	assert.Len(t, decode[[]domain.ApprovalView](t, rr), 1)

	assertError(t, ts.request("POST", "/api/v1/approvals/"+pending.ApprovalID+"/grant", nil, bob), http.StatusConflict, domain.ErrCodeConflict)
	assertError(t, ts.request("GET", "/api/v1/approvals?state=maybe", nil, alice), http.StatusBadRequest, domain.ErrCodeValidationError)
	assertError(t, ts.request("GET", "/api/v1/approvals/missing", nil, alice), http.StatusNotFound, domain.ErrCodeResourceNotFound)
}

func TestSelfApprovalForbidden(t *testing.T) {
	ts := newTestServer(t, approval.Policy{Threshold: 1})
	alice, _ := ts.operators(t)
	h := createGatedHunt(t, ts, alice)

	rr := ts.request("POST", "/api/v1/hunts/"+h.ID+"/activate", domain.ActivateHuntRequest{Reason: "sweep"}, alice)
	pending := decode[domain.Hunt](t, rr)

	assertError(t, ts.request("POST", "/api/v1/approvals/"+pending.ApprovalID+"/grant", nil, alice), http.StatusForbidden, domain.ErrCodeForbidden)
}

func TestCheckInDispatchFailure(t *testing.T) {
	ts := defaultServer(t)
	alice, _ := ts.operators(t)

	rr := ts.request("POST", "/api/v1/hunts", linuxHunt(), alice)
	h := decode[domain.Hunt](t, rr)
	require.Equal(t, http.StatusOK, ts.request("POST", "/api/v1/hunts/"+h.ID+"/activate", nil, alice).Code)

	ts.dispatcher.failing.Store(true)
	assertError(t, ts.request("POST", "/api/v1/checkin", checkIn("ep-1", "Linux"), alice), http.StatusBadGateway, domain.ErrCodeDispatchFailed)

	// The endpoint stays eligible and fires once dispatch recovers.
	ts.dispatcher.failing.Store(false)
	rr = ts.request("POST", "/api/v1/checkin", checkIn("ep-1", "Linux"), alice)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[domain.CheckInResponse](t, rr).Actions, 1)
	assert.EqualValues(t, 2, ts.dispatcher.calls.Load())
}

func TestCheckInValidation(t *testing.T) {
	ts := defaultServer(t)

	assertError(t, ts.request("POST", "/api/v1/checkin", map[string]any{"attributes": map[string]any{}}, bootstrapKey),
		http.StatusBadRequest, domain.ErrCodeInvalidInput)
	assertError(t, ts.request("POST", "/api/v1/checkin", map[string]any{"endpoint_id": "ep-1", "attributes": map[string]any{"Uptime": 1.5}}, bootstrapKey),
		http.StatusBadRequest, domain.ErrCodeInvalidInput)
}

func TestEndpoints(t *testing.T) {
	ts := defaultServer(t)

	rr := ts.request("POST", "/api/v1/checkin", map[string]any{
		"endpoint_id": "ep-1",
		"attributes":  map[string]any{"System": "Linux", "MemorySize": 8589934592},
	}, bootstrapKey)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.request("GET", "/api/v1/endpoints", nil, bootstrapKey)
	require.Equal(t, http.StatusOK, rr.Code)
	eps := decode[[]domain.Endpoint](t, rr)
	require.Len(t, eps, 1)
	assert.Equal(t, "ep-1", eps[0].ID)

	rr = ts.request("GET", "/api/v1/endpoints/ep-1", nil, bootstrapKey)
	require.Equal(t, http.StatusOK, rr.Code)
	ep := decode[domain.Endpoint](t, rr)
	assert.Equal(t, "Linux", ep.Attributes["System"].String())
	n, ok := ep.Attributes["MemorySize"].Int()
	assert.True(t, ok)
	assert.EqualValues(t, 8589934592, n)

	assertError(t, ts.request("GET", "/api/v1/endpoints/ep-2", nil, bootstrapKey), http.StatusNotFound, domain.ErrCodeResourceNotFound)
}

func TestOptionalRoutesDisabled(t *testing.T) {
	ts := defaultServer(t)

	assert.Equal(t, http.StatusNotFound, ts.request("GET", "/auth/login", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.request("GET", "/metrics", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.request("POST", "/api/v1/inventory/poll", nil, bootstrapKey).Code)
}

type fixedDevices []tailscale.Device

func (f fixedDevices) ListDevices(ctx context.Context) ([]tailscale.Device, error) {
	return f, nil
}

func TestInventoryPoll(t *testing.T) {
	store := memory.New()
	engine := foreman.New(store, &switchDispatcher{})
	approvals := approval.New(store, nil, approval.Policy{Threshold: 1})
	registry := flows.Builtin()
	poller := service.NewInventoryPoller(fixedDevices{
		{NodeID: "n1", Hostname: "web-1", OS: "linux", Authorized: true},
		{NodeID: "n2", Hostname: "pending", OS: "windows", Authorized: false},
	}, engine, time.Hour, zerolog.Nop())
	t.Cleanup(poller.Stop)

	ts := &testServer{store: store, handler: api.NewRouter(api.Deps{
		Store:        store,
		Engine:       engine,
		Hunts:        hunt.NewService(store, engine, approvals, registry, hunt.Policy{RuleExpiry: time.Hour}),
		Approvals:    approvals,
		Flows:        registry,
		Poller:       poller,
		BootstrapKey: bootstrapKey,
		Logger:       zerolog.Nop(),
	})}

	rr := ts.request("POST", "/api/v1/inventory/poll", nil, bootstrapKey)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[service.PollResult](t, rr)
	assert.Equal(t, 2, res.Devices)
	assert.Equal(t, 1, res.CheckedIn)
	assert.Equal(t, 1, res.Skipped)

	rr = ts.request("POST", "/api/v1/inventory/poll?async=true", nil, bootstrapKey)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, map[string]bool{"pending": true}, decode[map[string]bool](t, rr))
	assert.True(t, poller.Pending())
}
