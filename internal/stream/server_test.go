package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/gated/internal/eventlog"
	"github.com/fyrsmithlabs/gated/internal/microplan"
	"github.com/fyrsmithlabs/gated/internal/scheduler"
	"github.com/fyrsmithlabs/gated/internal/store"
	"github.com/fyrsmithlabs/gated/internal/validation"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	reruns   map[string]int
	abortOK  bool
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, runID)
	return nil
}

func (f *fakeLauncher) LaunchRerun(_ context.Context, runID string, gate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.reruns == nil {
		f.reruns = make(map[string]int)
	}
	f.reruns[runID] = gate
	return nil
}

func (f *fakeLauncher) Abort(string) bool { return f.abortOK }

func newTestServer(t *testing.T, launcher *fakeLauncher) (*Server, *store.Memory, *eventlog.Log) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory()
	events := eventlog.New(100, logger)
	srv, err := NewServer(mem, events, launcher, prometheus.NewRegistry(), logger, Config{})
	require.NoError(t, err)
	return srv, mem, events
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCreateRunLaunches(t *testing.T) {
	launcher := &fakeLauncher{}
	srv, mem, _ := newTestServer(t, launcher)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/runs",
		`{"projectPath":"/tmp/project","runType":"CONTRACT","microplan":"version: 1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp CreateRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "PENDING", resp.Status)

	run, err := mem.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, validation.RunTypeContract, run.RunType)
	assert.Equal(t, []string{resp.RunID}, launcher.launched)
}

func TestCreateRunValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/runs", `{"runType":"CONTRACT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs", `{"projectPath":"/tmp","runType":"BOGUS"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/runs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbortRun(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{abortOK: true})
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/runs/r1/abort", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	srv2, _, _ := newTestServer(t, &fakeLauncher{abortOK: false})
	rec = doJSON(t, srv2, http.MethodPost, "/api/v1/runs/r1/abort", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRerunGate(t *testing.T) {
	launcher := &fakeLauncher{}
	srv, mem, _ := newTestServer(t, launcher)
	require.NoError(t, mem.CreateRun(context.Background(),
		&validation.Run{ID: "r1", ProjectPath: "/tmp", RunType: validation.RunTypeContract}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/runs/r1/rerun?gate=1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, launcher.reruns["r1"])

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs/r1/rerun", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs/ghost/rerun?gate=1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackfill(t *testing.T) {
	srv, _, events := newTestServer(t, &fakeLauncher{})
	for i := 0; i < 10; i++ {
		events.Append("p1", eventlog.PipelineEvent{Type: eventlog.TypeValidatorResult, Level: eventlog.LevelInfo})
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/pipelines/p1/backfill?since_sequence=5&limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res eventlog.BackfillResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Events, 3)
	assert.Equal(t, uint64(6), res.Events[0].Sequence)
	assert.Equal(t, uint64(8), res.LastSeq)
	assert.True(t, res.HasMore)
}

func TestBackfillEvicted(t *testing.T) {
	logger := zaptest.NewLogger(t)
	events := eventlog.New(2, logger)
	srv, err := NewServer(store.NewMemory(), events, &fakeLauncher{}, prometheus.NewRegistry(), logger, Config{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		events.Append("p1", eventlog.PipelineEvent{Type: eventlog.TypeValidatorResult, Level: eventlog.LevelInfo})
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/pipelines/p1/backfill?since_sequence=1", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestBackfillBadParams(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/pipelines/p1/backfill?since_sequence=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/pipelines/p1/backfill?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineMetricsEndpoint(t *testing.T) {
	srv, _, events := newTestServer(t, &fakeLauncher{})
	events.Append("p1", eventlog.PipelineEvent{Type: eventlog.TypeRunStarted, Level: eventlog.LevelInfo})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/pipelines/p1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var m eventlog.PipelineMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 1, m.TotalEvents)
}

func TestEventStreamReplaysAndPushes(t *testing.T) {
	srv, _, events := newTestServer(t, &fakeLauncher{})
	events.Append("p1", eventlog.PipelineEvent{Type: eventlog.TypeRunStarted, Level: eventlog.LevelInfo})
	events.Append("p1", eventlog.PipelineEvent{Type: eventlog.TypeGateStarted, Level: eventlog.LevelInfo})

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/pipelines/p1/events?from_sequence=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// A live event appended after connecting is delivered on the same stream.
	events.Append("p1", eventlog.PipelineEvent{Type: eventlog.TypeGateFinished, Level: eventlog.LevelInfo})

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if len(ids) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

type fakePlanRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePlanRunner) ExecutePlan(_ context.Context, pipelineID, _ string, _ *microplan.Document) (*scheduler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pipelineID)
	return &scheduler.Result{}, nil
}

func (f *fakePlanRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestVerifyPlan(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory()
	plans := &fakePlanRunner{}
	srv, err := NewServer(mem, eventlog.New(100, logger), &fakeLauncher{}, nil, logger, Config{},
		WithPlanRunner(plans))
	require.NoError(t, err)

	plan := "version: 1\nunits:\n  - id: a\n    verify: \"true\"\n  - id: b\n    depends_on: [a]\n"
	require.NoError(t, mem.CreateRun(context.Background(), &validation.Run{
		ID: "r1", ProjectPath: "/tmp", RunType: validation.RunTypeContract, Microplan: plan,
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/runs/r1/verify", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp VerifyPlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Units)
	assert.Equal(t, 2, resp.Batches)

	require.Eventually(t, func() bool { return plans.callCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Cyclic plans are rejected before any unit starts.
	cyclic := "version: 1\nunits:\n  - id: a\n    depends_on: [b]\n  - id: b\n    depends_on: [a]\n"
	require.NoError(t, mem.CreateRun(context.Background(), &validation.Run{
		ID: "r2", ProjectPath: "/tmp", RunType: validation.RunTypeContract, Microplan: cyclic,
	}))
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs/r2/verify", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Runs without a plan cannot be verified.
	require.NoError(t, mem.CreateRun(context.Background(), &validation.Run{
		ID: "r3", ProjectPath: "/tmp", RunType: validation.RunTypeContract,
	}))
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs/r3/verify", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyPlanRouteAbsentWithoutRunner(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/runs/r1/verify", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gated_test_counter", Help: "test",
	}, func() float64 { return 1 }))

	logger := zaptest.NewLogger(t)
	srv, err := NewServer(store.NewMemory(), eventlog.New(10, logger), &fakeLauncher{}, reg, logger, Config{})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gated_test_counter")
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	logger := zaptest.NewLogger(t)
	events := eventlog.New(10, logger)

	_, err := NewServer(nil, events, &fakeLauncher{}, nil, logger, Config{})
	assert.Error(t, err)
	_, err = NewServer(store.NewMemory(), nil, &fakeLauncher{}, nil, logger, Config{})
	assert.Error(t, err)
	_, err = NewServer(store.NewMemory(), events, nil, nil, logger, Config{})
	assert.Error(t, err)
}
