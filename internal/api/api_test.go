package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/relay/internal/orchestrator"
	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

type fakeService struct {
	conns     map[string]*models.Connection
	pipelines map[string]*models.Pipeline
	startOpts []orchestrator.StartOptions
	limits    []int
	err       error
}

func newFakeService() *fakeService {
	return &fakeService{
		conns:     map[string]*models.Connection{},
		pipelines: map[string]*models.Pipeline{},
	}
}

func (f *fakeService) CreateConnection(_ context.Context, c *models.Connection) (*models.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c.ID = "conn-1"
	f.conns[c.ID] = c
	return c, nil
}

func (f *fakeService) GetConnection(_ context.Context, id string) (*models.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return nil, errors.NotFound("connection", id)
	}
	return c, nil
}

func (f *fakeService) ListConnections(context.Context) ([]*models.Connection, error) {
	out := make([]*models.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeService) UpdateConnection(_ context.Context, id string, c *models.Connection) (*models.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c.ID = id
	f.conns[id] = c
	return c, nil
}

func (f *fakeService) CreatePipeline(_ context.Context, spec orchestrator.PipelineSpec) (*models.Pipeline, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := models.NewPipeline("pipe-1", spec.Name, spec.Mode, spec.SourceConnectionID, spec.TargetConnectionID, spec.Tables)
	f.pipelines[p.ID] = p
	return p, nil
}

func (f *fakeService) GetPipeline(_ context.Context, id string) (*models.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, errors.NotFound("pipeline", id)
	}
	return p, nil
}

func (f *fakeService) ListPipelines(context.Context) ([]*models.Pipeline, error) { return nil, nil }

func (f *fakeService) DeletePipeline(_ context.Context, id string) error {
	if _, ok := f.pipelines[id]; !ok {
		return errors.NotFound("pipeline", id)
	}
	delete(f.pipelines, id)
	return nil
}

func (f *fakeService) Events(_ context.Context, id string, limit int) ([]store.Event, error) {
	f.limits = append(f.limits, limit)
	return []store.Event{{ID: 1, PipelineID: id, To: models.StatusDraft, Reason: "create"}}, nil
}

func (f *fakeService) Start(_ context.Context, id string, opts orchestrator.StartOptions) (*models.Pipeline, error) {
	f.startOpts = append(f.startOpts, opts)
	if f.err != nil {
		return nil, f.err
	}
	p, err := f.GetPipeline(context.Background(), id)
	if err != nil {
		return nil, err
	}
	p.Status = models.StatusRunning
	return p, nil
}

func (f *fakeService) Stop(_ context.Context, id string) (*models.Pipeline, error) {
	p, err := f.GetPipeline(context.Background(), id)
	if err != nil {
		return nil, err
	}
	p.Status = models.StatusStopped
	return p, nil
}

func (f *fakeService) Restart(_ context.Context, id string) (*models.Pipeline, error) {
	return nil, errors.InvalidState(id, string(models.StatusDraft), "restart")
}

func (f *fakeService) Status(_ context.Context, id string) (*orchestrator.StatusView, error) {
	p, err := f.GetPipeline(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return &orchestrator.StatusView{
		Pipeline: p,
		Source:   &connect.Health{Name: "src", State: connect.StateUnknown, Stale: true},
		Stale:    true,
	}, nil
}

func (f *fakeService) DeleteConnectors(_ context.Context, id string) (*models.Pipeline, error) {
	return f.GetPipeline(context.Background(), id)
}

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	s := NewServer(svc, config.APIConfig{}, config.MetricsConfig{Enabled: true, Path: "/metrics"}, "relay-test", nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]interface{}); ok {
			out = m
		} else {
			out = map[string]interface{}{"items": raw}
		}
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, newFakeService())
	resp, body := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeService())
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionsAreRedacted(t *testing.T) {
	ts := newTestServer(t, newFakeService())

	resp, body := do(t, ts, http.MethodPost, "/connections",
		`{"name":"orders-db","database_type":"postgres","host":"db","port":5432,"username":"u","password":"hunter2","database":"shop","additional_config":{"secret.token":"abc","slot.name":"s1"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "conn-1", body["id"])
	assert.Equal(t, "********", body["password"])
	extra := body["additional_config"].(map[string]interface{})
	assert.Equal(t, "********", extra["secret.token"])
	assert.Equal(t, "s1", extra["slot.name"])

	_, body = do(t, ts, http.MethodGet, "/connections/conn-1", "")
	assert.Equal(t, "********", body["password"])

	_, body = do(t, ts, http.MethodGet, "/connections", "")
	items := body["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "********", items[0].(map[string]interface{})["password"])
}

func TestInvalidJSONIsBadRequest(t *testing.T) {
	ts := newTestServer(t, newFakeService())
	resp, body := do(t, ts, http.MethodPost, "/pipelines", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, string(errors.ErrorTypeValidation), errBody["type"])
}

func TestPipelineLifecycleRoutes(t *testing.T) {
	svc := newFakeService()
	ts := newTestServer(t, svc)

	resp, body := do(t, ts, http.MethodPost, "/pipelines",
		`{"name":"orders","mode":"FULL_LOAD_AND_CDC","source_connection_id":"a","target_connection_id":"b","tables":["public.orders"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pipe-1", body["id"])

	resp, body = do(t, ts, http.MethodPost, "/pipelines/pipe-1/start", `{"rerun_full_load":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RUNNING", body["status"])

	resp, _ = do(t, ts, http.MethodPost, "/pipelines/pipe-1/start?rerun_full_load=false", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, svc.startOpts, 2)
	assert.True(t, svc.startOpts[0].RerunFullLoad)
	assert.False(t, svc.startOpts[1].RerunFullLoad)

	resp, body = do(t, ts, http.MethodGet, "/pipelines/pipe-1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["stale"])
	assert.Equal(t, false, body["healthy"])

	resp, body = do(t, ts, http.MethodPost, "/pipelines/pipe-1/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "STOPPED", body["status"])

	resp, body = do(t, ts, http.MethodGet, "/pipelines/pipe-1/events?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)
	assert.Equal(t, []int{5}, svc.limits)

	resp, _ = do(t, ts, http.MethodDelete, "/pipelines/pipe-1/connectors", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodDelete, "/pipelines/pipe-1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/pipelines/pipe-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadQueryParameters(t *testing.T) {
	svc := newFakeService()
	svc.pipelines["p"] = models.NewPipeline("p", "n", models.ModeCDCOnly, "a", "b", []string{"t"})
	ts := newTestServer(t, svc)

	resp, _ := do(t, ts, http.MethodPost, "/pipelines/p/start?rerun_full_load=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, svc.startOpts)

	resp, _ = do(t, ts, http.MethodGet, "/pipelines/p/events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"busy", errors.Busy("p"), http.StatusConflict},
		{"invalid state", errors.InvalidState("p", "RUNNING", "delete"), http.StatusConflict},
		{"already exists", errors.AlreadyExists("connector", "x"), http.StatusConflict},
		{"not found", errors.NotFound("pipeline", "p"), http.StatusNotFound},
		{"config", errors.MissingField("postgres", "host"), http.StatusBadRequest},
		{"unsupported", errors.UnsupportedDialect("s3", "source"), http.StatusBadRequest},
		{"transient", errors.Transient(nil, "rebalance"), http.StatusServiceUnavailable},
		{"checkpoint", errors.CheckpointInvariant("p", "missing"), http.StatusInternalServerError},
		{"name mismatch", errors.NameMismatch([]string{"a"}, []string{"b"}), http.StatusInternalServerError},
		{"connector failed", errors.New(errors.ErrorTypeConnectorFailed, "boom"), http.StatusInternalServerError},
		{"plain", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestErrorBodyCarriesDetails(t *testing.T) {
	svc := newFakeService()
	svc.pipelines["p"] = models.NewPipeline("p", "n", models.ModeCDCOnly, "a", "b", []string{"t"})
	ts := newTestServer(t, svc)

	resp, body := do(t, ts, http.MethodPost, "/pipelines/p/restart", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, string(errors.ErrorTypeInvalidState), errBody["type"])
	assert.NotEmpty(t, errBody["message"])
}
