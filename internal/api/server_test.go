package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/copilotgov/backend/internal/audit"
	"github.com/copilotgov/backend/internal/broker"
	"github.com/copilotgov/backend/internal/config"
	"github.com/copilotgov/backend/internal/directory"
	"github.com/copilotgov/backend/internal/envelope"
	"github.com/copilotgov/backend/internal/orchestrator"
	"github.com/copilotgov/backend/internal/planner"
	"github.com/copilotgov/backend/internal/policy"
	"github.com/copilotgov/backend/internal/retriever"
	"github.com/copilotgov/backend/internal/worker"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	trail := audit.NewTrail()
	store := policy.NewStore(cfg.Policy.DenyKeywords, cfg.Policy.RolePermissions, cfg.Policy.AnomalyThreshold)
	signer := envelope.NewSigner([]byte("api-test-secret"), 5*time.Minute)
	bus := broker.New(broker.Config{}, signer, trail)

	hr := directory.NewHRDirectory()
	docs := directory.NewDocumentStore()
	gate := policy.NewRoleGate(store, trail)
	expense := worker.NewExpenseWorker(bus, hr, docs, hr, directory.NewLogNotifier(), trail)

	orch := orchestrator.New(
		planner.New(),
		policy.NewInterceptor(store, trail),
		gate,
		policy.NewDetector(store, trail),
		signer,
		bus,
		expense,
		retriever.New(trail),
		trail,
	)
	return NewServer(orch, bus, gate, docs, trail, cfg)
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleTask_ExpenseApproved(t *testing.T) {
	s := newTestServer(t, config.Default())
	router := s.Router()

	rec := postJSON(t, router, "/api/tasks", map[string]interface{}{
		"task": "submit expense report",
		"role": "employee",
		"data": map[string]interface{}{"employee_id": "E420", "amount": 75},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])

	decision := body["expense_result"].(map[string]interface{})
	assert.Equal(t, "Approved", decision["decision"])
	assert.Equal(t, 575.0, decision["new_balance"])
}

func TestHandleTask_DenyKeywordReturns403(t *testing.T) {
	s := newTestServer(t, config.Default())

	rec := postJSON(t, s.Router(), "/api/tasks", map[string]interface{}{
		"task": "transfer_all_funds to offshore account",
		"role": "employee",
	}, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "blocked", body["status"])
	assert.Equal(t, "POLICY_BLOCKED", body["reason_code"])
}

func TestHandleTask_UnauthorizedRoleReturns403(t *testing.T) {
	s := newTestServer(t, config.Default())

	rec := postJSON(t, s.Router(), "/api/tasks", map[string]interface{}{
		"task": "upload the new policy",
		"role": "employee",
	}, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, rec)["reason_code"])
}

func TestHandleTask_MissingTaskIs400(t *testing.T) {
	s := newTestServer(t, config.Default())

	rec := postJSON(t, s.Router(), "/api/tasks", map[string]interface{}{"role": "employee"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTask_MalformedJSONIs400(t *testing.T) {
	s := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTask_KeylessModeDefaultsToEmployee(t *testing.T) {
	s := newTestServer(t, config.Default())

	// No role claim: the default employee role cannot upload policy.
	rec := postJSON(t, s.Router(), "/api/tasks", map[string]interface{}{
		"task": "upload the new policy",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleTask_APIKeyModeIgnoresBodyRole(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Security.APIKeys = map[string]config.APIKeyEntry{
		"emp-key": {Role: "employee", KeyHash: string(hash)},
	}
	s := newTestServer(t, cfg)
	router := s.Router()

	// Body claims admin, but the key maps to employee: upload denied.
	rec := postJSON(t, router, "/api/tasks", map[string]interface{}{
		"task": "upload the new policy",
		"role": "admin",
	}, map[string]string{"X-API-Key": "emp-key:s3cret"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, rec)["reason_code"])

	// Missing or wrong key is rejected outright.
	rec = postJSON(t, router, "/api/tasks", map[string]interface{}{"task": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, router, "/api/tasks", map[string]interface{}{"task": "x"},
		map[string]string{"X-API-Key": "emp-key:wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleUploadDocument_AdminOnly(t *testing.T) {
	s := newTestServer(t, config.Default())
	router := s.Router()

	rec := postJSON(t, router, "/api/documents", map[string]interface{}{
		"name":    "policy_001.pdf",
		"content": "Max Reimbursement is $250.",
		"role":    "employee",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, router, "/api/documents", map[string]interface{}{
		"name":    "policy_001.pdf",
		"content": "Max Reimbursement is $250.",
		"role":    "admin",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The new limit is live for subsequent expense decisions.
	rec = postJSON(t, router, "/api/tasks", map[string]interface{}{
		"task": "submit expense report",
		"role": "employee",
		"data": map[string]interface{}{"employee_id": "E420", "amount": 150},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decode(t, rec)["expense_result"].(map[string]interface{})
	assert.Equal(t, "Approved", decision["decision"])
}

func TestHandleAudit_ReturnsRecordedEvents(t *testing.T) {
	s := newTestServer(t, config.Default())
	router := s.Router()

	postJSON(t, router, "/api/tasks", map[string]interface{}{
		"task": "system_shutdown now",
		"role": "employee",
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]interface{})
	require.NotEmpty(t, events)

	var actions []string
	for _, e := range events {
		actions = append(actions, e.(map[string]interface{})["action"].(string))
	}
	assert.Contains(t, actions, "denylisted_action_blocked")
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "copilot-governance", body["service"])
	assert.Contains(t, body, "broker")
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t, config.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIPRateLimiter_Returns429(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RequestsPerMinute = 60
	cfg.Server.BurstSize = 3
	s := newTestServer(t, cfg)
	router := s.Router()

	var last int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
