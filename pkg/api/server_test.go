package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/auth"
	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/engine"
	"github.com/tallyhq/tally/pkg/ledger"
	"github.com/tallyhq/tally/pkg/store"
)

var apiTestSecret = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	srv   *httptest.Server
	token string
}

func newTestEnv(t *testing.T, opts ...func(*auth.LimitPolicy)) *testEnv {
	t.Helper()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l := ledger.New(st)
	e := engine.New(st, l, engine.Config{LeaseTTL: time.Minute})
	s := NewServer(l, e, st)

	validator := auth.NewValidator(apiTestSecret, []auth.APIKey{
		{Key: "sk-test-1", TenantID: "tenant-a", Principal: "svc:ingest"},
	})

	policy := auth.LimitPolicy{RPM: 6000, Burst: 1000}
	for _, opt := range opts {
		opt(&policy)
	}

	srv := httptest.NewServer(s.Routes(validator, auth.NewInMemoryLimiterStore(), policy))
	t.Cleanup(srv.Close)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user:alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-a",
	})
	signed, err := token.SignedString(apiTestSecret)
	require.NoError(t, err)

	return &testEnv{srv: srv, token: signed}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func receiptBody(taskID string) map[string]any {
	return map[string]any{
		"task_id":        taskID,
		"from_principal": "user:alice",
		"for_principal":  "user:alice",
		"source_system":  "cli",
		"recipient_ai":   "agent:helper",
		"phase":          "accepted",
		"task_type":      "summarize",
		"task_summary":   "summarize the weekly report",
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/inbox?recipient_ai=agent:helper")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestAPIKeyAuthenticates(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/inbox?recipient_ai=agent:helper", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sk-test-1")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppendReceiptGoldenPath(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/receipts", receiptBody("T-api-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created contracts.ReceiptResponse
	decodeResp(t, resp, &created)
	assert.NotEmpty(t, created.ReceiptID)
	assert.Equal(t, "tenant-a", created.TenantID)

	resp = env.do(t, http.MethodGet, "/v1/receipts/"+created.ReceiptID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var receipt contracts.Receipt
	decodeResp(t, resp, &receipt)
	assert.Equal(t, "T-api-1", receipt.TaskID)
	assert.Equal(t, contracts.PhaseAccepted, receipt.Phase)
}

func TestAppendReceiptValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	body := receiptBody("T-api-2")
	body["from_principal"] = "NA"
	resp := env.do(t, http.MethodPost, "/v1/receipts", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var problem ProblemDetail
	decodeResp(t, resp, &problem)
	require.NotEmpty(t, problem.Errors)
	assert.Equal(t, "RCP-SENT-001", problem.Errors[0].Code)
}

func TestAppendReceiptSizeCapIs413(t *testing.T) {
	env := newTestEnv(t)

	body := receiptBody("T-api-3")
	body["task_body"] = strings.Repeat("x", 100*1024+1)
	resp := env.do(t, http.MethodPost, "/v1/receipts", body)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAppendReceiptAlteredReplayConflicts(t *testing.T) {
	env := newTestEnv(t)

	body := receiptBody("T-api-4")
	body["receipt_id"] = contracts.NewReceiptID()
	resp := env.do(t, http.MethodPost, "/v1/receipts", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	body["task_summary"] = "a different summary"
	resp = env.do(t, http.MethodPost, "/v1/receipts", body)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAppendReceiptIdenticalReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	body := receiptBody("T-api-5")
	body["receipt_id"] = contracts.NewReceiptID()
	resp := env.do(t, http.MethodPost, "/v1/receipts", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first contracts.ReceiptResponse
	decodeResp(t, resp, &first)

	resp = env.do(t, http.MethodPost, "/v1/receipts", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second contracts.ReceiptResponse
	decodeResp(t, resp, &second)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/tasks", contracts.TaskSubmission{
		TaskType:      "summarize",
		TaskSummary:   "summarize the weekly report",
		RecipientAI:   "agent:helper",
		FromPrincipal: "user:alice",
		ForPrincipal:  "user:alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task contracts.TaskResponse
	decodeResp(t, resp, &task)
	assert.Equal(t, contracts.TaskQueued, task.Status)

	resp = env.do(t, http.MethodPost, "/v1/lease", contracts.LeaseRequest{WorkerID: "agent:worker-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grant contracts.LeaseGrant
	decodeResp(t, resp, &grant)
	assert.Equal(t, task.TaskID, grant.Task.TaskID)

	// queue is drained now
	resp = env.do(t, http.MethodPost, "/v1/lease", contracts.LeaseRequest{WorkerID: "agent:worker-1"})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/lease/"+grant.LeaseID+"/heartbeat", contracts.HeartbeatRequest{WorkerID: "agent:worker-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/lease/"+grant.LeaseID+"/complete", contracts.CompleteRequest{
		WorkerID:    "agent:worker-1",
		Status:      contracts.StatusSuccess,
		OutcomeText: "done",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var completed contracts.CompleteResponse
	decodeResp(t, resp, &completed)
	assert.NotEmpty(t, completed.ReceiptID)

	resp = env.do(t, http.MethodGet, "/v1/tasks/"+task.TaskID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]string
	decodeResp(t, resp, &status)
	assert.Equal(t, "resolved", status["status"])

	resp = env.do(t, http.MethodGet, "/v1/tasks/"+task.TaskID+"/timeline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var timeline contracts.TimelineResponse
	decodeResp(t, resp, &timeline)
	require.Len(t, timeline.Receipts, 1)
	assert.Equal(t, contracts.PhaseComplete, timeline.Receipts[0].Phase)
}

func TestSettleOnForeignLeaseIsForbidden(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/tasks", contracts.TaskSubmission{
		TaskType:      "summarize",
		TaskSummary:   "summarize the weekly report",
		RecipientAI:   "agent:helper",
		FromPrincipal: "user:alice",
		ForPrincipal:  "user:alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/lease", contracts.LeaseRequest{WorkerID: "agent:worker-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grant contracts.LeaseGrant
	decodeResp(t, resp, &grant)

	resp = env.do(t, http.MethodPost, "/v1/lease/"+grant.LeaseID+"/complete", contracts.CompleteRequest{
		WorkerID: "agent:intruder",
		Status:   contracts.StatusSuccess,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var problem ProblemDetail
	decodeResp(t, resp, &problem)
	assert.Equal(t, "/v1/lease/"+grant.LeaseID+"/complete", problem.Instance)
	assert.NotEmpty(t, problem.TraceID, "problem carries the request id")
}

func TestUnknownResourcesAre404(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/v1/receipts/01JUNKJUNKJUNKJUNKJUNKJUNK",
		"/v1/tasks/T-missing",
	} {
		resp := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(p *auth.LimitPolicy) {
		p.RPM = 60
		p.Burst = 2
	})

	var last *http.Response
	for i := 0; i < 3; i++ {
		last = env.do(t, http.MethodGet, "/v1/inbox?recipient_ai=agent:helper", nil)
		if i < 2 {
			require.Equal(t, http.StatusOK, last.StatusCode, fmt.Sprintf("request %d", i))
		}
		_ = last.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
}

func TestOversizedRequestBodyIs413(t *testing.T) {
	env := newTestEnv(t)

	raw := bytes.NewReader(append([]byte(`{"task_body":"`), append(bytes.Repeat([]byte("x"), maxBodyBytes+1), []byte(`"}`)...)...))
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/receipts", raw)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestRequestIDFlowsToResponses(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/inbox?recipient_ai=agent:helper", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	req.Header.Set("X-Request-ID", "req-api-1")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "req-api-1", resp.Header.Get("X-Request-ID"))
}
