package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arka-os/arka/internal/agent"
	"github.com/arka-os/arka/internal/flow"
	"github.com/arka-os/arka/internal/metrics"
	"github.com/arka-os/arka/internal/orch"
	"github.com/arka-os/arka/internal/provider"
	"github.com/arka-os/arka/internal/runner"
	"github.com/arka-os/arka/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testBrick = `
id: onboarding
exports:
  standard:
    steps:
      - name: collect
        role: referent.tech
      - name: review
        role: referent.tech
        gate: AGP
      - name: publish
        role: referent.tech
`

type testEnv struct {
	router *gin.Engine
	store  store.Store
	mock   *provider.MockAdapter
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	root := t.TempDir()
	brickPath := filepath.Join(root, "FLOW", "bricks", "onboarding.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(brickPath), 0o755))
	require.NoError(t, os.WriteFile(brickPath, []byte(testBrick), 0o644))

	agentDir := filepath.Join(root, "ARKA_AGENT", "clients", "ACME", "agents", "po-tech")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "onboarding.yaml"), []byte(`
prompts:
  system: You are the technical product owner.
provider:
  default: anthropic
`), 0o644))

	st := store.NewMemory()
	require.NoError(t, st.RegisterAgent(context.Background(), &store.Agent{
		Client: "ACME",
		ID:     "po-tech",
		Ref:    "clients/ACME/agents/po-tech",
		Roles:  []string{"referent.tech"},
	}))

	mock := &provider.MockAdapter{
		ProviderName: "anthropic",
		Responses: []*provider.InvokeResponse{{
			Output: provider.Output{Text: "all done"},
			Usage:  provider.Usage{InputTokens: 2, OutputTokens: 3},
		}},
	}
	reg := provider.NewRegistry()
	reg.Register(mock)

	svc := runner.New(st, reg, runner.Options{AgentRoot: root})
	eng := orch.NewEngine(
		st, flow.NewLoader(root), agent.NewResolver(st, nil),
		orch.NewLocalRunner(svc), orch.EngineOptions{},
	)

	srv := NewServer(eng, svc, opts)
	return &testEnv{router: srv.SetupRoutes(), store: st, mock: mock}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := doJSON(t, env.router, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartFlowAndFetch(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/orchestrator/flow", gin.H{
		"client":   "ACME",
		"flow_ref": "onboarding:standard",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess store.OrchSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, store.SessionPaused, sess.Status)
	assert.Equal(t, 1, sess.CurrentIndex)

	w = doJSON(t, env.router, "GET", "/orchestrator/session/"+sess.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.router, "GET", "/orchestrator/session/"+sess.ID+"/steps", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var steps StepsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &steps))
	assert.Equal(t, 3, steps.Count)
	assert.Equal(t, store.StepGated, steps.Items[1].Status)
}

func TestStartFlowOptionsResume(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/orchestrator/flow", gin.H{
		"client":   "ACME",
		"flow_ref": "onboarding:standard",
		"options":  gin.H{"start_at_step": 2},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess store.OrchSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, store.SessionCompleted, sess.Status)
	assert.Equal(t, 3, sess.CurrentIndex)

	w = doJSON(t, env.router, "GET", "/orchestrator/session/"+sess.ID+"/steps", nil, nil)
	var steps StepsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &steps))
	assert.Empty(t, steps.Items[0].Result, "pre-completed step carries no result")
	assert.Empty(t, steps.Items[1].Result, "skipped gate never arms")
	assert.NotEmpty(t, steps.Items[2].Result)
}

func TestStartFlowValidation(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/orchestrator/flow", gin.H{
		"client": "ACME",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, env.router, "POST", "/orchestrator/flow", gin.H{
		"client":   "ACME",
		"flow_ref": "missing:standard",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := doJSON(t, env.router, "GET", "/orchestrator/session/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveAndRejectFlow(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/orchestrator/flow", gin.H{
		"client":   "ACME",
		"flow_ref": "onboarding:standard",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess store.OrchSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	w = doJSON(t, env.router, "GET", "/orchestrator/session/"+sess.ID+"/steps", nil, nil)
	var steps StepsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &steps))
	gatedID := steps.Items[1].ID

	// Approving a non-gated step is a conflict.
	w = doJSON(t, env.router, "POST", "/orchestrator/step/"+steps.Items[0].ID+"/approve", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, env.router, "POST", "/orchestrator/step/"+gatedID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var approved ApproveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approved))
	assert.True(t, approved.OK)
	require.NotNil(t, approved.Session)
	assert.Equal(t, store.SessionCompleted, approved.Session.Status)

	// The gate is spent; rejecting it now is a conflict.
	w = doJSON(t, env.router, "POST", "/orchestrator/step/"+gatedID+"/reject", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, env.router, "POST", "/orchestrator/step/missing/reject", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunnerEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/runner/session", gin.H{
		"client":   "ACME",
		"flow_ref": "onboarding:standard",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess store.RunnerSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, store.SessionRunning, sess.Status)

	w = doJSON(t, env.router, "GET", "/runner/session/"+sess.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.router, "POST", "/runner/step", runner.StepRequest{
		SessionID: sess.ID,
		AgentRef:  "clients/ACME/agents/po-tech",
		FlowRef:   "onboarding:standard",
		Step:      runner.StepInfo{Name: "collect"},
		Payload: runner.Payload{Messages: []provider.Message{
			{Role: "user", Content: "collect requirements"},
		}},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp runner.StepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, runner.StatusOK, resp.Status)
	assert.Equal(t, "all done", resp.Result.Text)
}

func TestRunnerStepErrorMapping(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/runner/session", gin.H{"client": "ACME"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess store.RunnerSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	// Malformed agent reference.
	w = doJSON(t, env.router, "POST", "/runner/step", gin.H{
		"session_id": sess.ID,
		"agent_ref":  "not-a-ref",
		"flow_ref":   "onboarding:standard",
		"step":       gin.H{"name": "collect"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Provider failure surfaces as a bad gateway.
	env.mock.Fault = provider.FaultHTTP500
	w = doJSON(t, env.router, "POST", "/runner/step", gin.H{
		"session_id": sess.ID,
		"agent_ref":  "clients/ACME/agents/po-tech",
		"flow_ref":   "onboarding:standard",
		"step":       gin.H{"name": "collect"},
	}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSetQuotaEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := doJSON(t, env.router, "POST", "/runner/session", gin.H{
		"client":   "ACME",
		"flow_ref": "onboarding:standard",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess store.RunnerSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.Nil(t, sess.QuotaTokens)

	w = doJSON(t, env.router, "PUT", "/runner/session/"+sess.ID+"/quota", gin.H{
		"quota_tokens": 1,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The new ceiling is enforced on the next step.
	w = doJSON(t, env.router, "POST", "/runner/step", gin.H{
		"session_id": sess.ID,
		"agent_ref":  "clients/ACME/agents/po-tech",
		"flow_ref":   "onboarding:standard",
		"step":       gin.H{"name": "collect"},
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doJSON(t, env.router, "PUT", "/runner/session/missing/quota", gin.H{
		"quota_tokens": 1,
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuotaExceededMapsTo429(t *testing.T) {
	env := newTestEnv(t, Options{})

	quota := int64(1)
	w := doJSON(t, env.router, "POST", "/runner/session", gin.H{
		"client":       "ACME",
		"flow_ref":     "onboarding:standard",
		"quota_tokens": quota,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess store.RunnerSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	w = doJSON(t, env.router, "POST", "/runner/step", gin.H{
		"session_id": sess.ID,
		"agent_ref":  "clients/ACME/agents/po-tech",
		"flow_ref":   "onboarding:standard",
		"step":       gin.H{"name": "collect"},
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPIKeyAuthentication(t *testing.T) {
	env := newTestEnv(t, Options{APIKeys: []string{"secret"}})

	// Health stays open.
	w := doJSON(t, env.router, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.router, "GET", "/orchestrator/session/x", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, env.router, "GET", "/orchestrator/session/x", nil, map[string]string{
		"X-API-Key": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, env.router, "GET", "/orchestrator/session/x", nil, map[string]string{
		"X-API-Key": "secret",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, Options{
		Metrics:  metrics.NewOrchestratorMetrics(reg),
		Gatherer: reg,
	})

	doJSON(t, env.router, "GET", "/orchestrator/session/missing", nil, nil)

	w := doJSON(t, env.router, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orchestrator_http_request_seconds")
}
