package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramopt/internal/config"
	"github.com/copyleftdev/paramopt/internal/experiment"
	"github.com/copyleftdev/paramopt/internal/logging"
	"github.com/copyleftdev/paramopt/internal/optimization"
	"github.com/copyleftdev/paramopt/internal/storage"
	"github.com/copyleftdev/paramopt/internal/target"
)

const specTarget = `{"name": "quadratic", "command": ["true"],
  "parameters": {"a": {"values": [1, 2, 3, 4]}, "b": {"values": [4, 6, 3, 2]}}}`

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	cfg.Storage.Type = "memory"

	cfg.Experiment.Algorithm = "tabu"
	cfg.Experiment.WorkerCount = 2
	cfg.Experiment.Objectives = []string{"stdout_number"}

	settings := optimization.DefaultSettings()
	cfg.Tabu.MaxHoodSize = settings.Tabu.MaxHoodSize
	cfg.Tabu.StartingSDDivisor = settings.Tabu.StartingSDDivisor
	cfg.Tabu.SDIncrementProportion = settings.Tabu.SDIncrementProportion
	cfg.Tabu.BacktrackCutoff = settings.Tabu.BacktrackCutoff
	cfg.Tabu.JumpCutoff = settings.Tabu.JumpCutoff
	cfg.Tabu.StagnationLimit = settings.Tabu.StagnationLimit
	cfg.Genetic.PopulationSize = settings.Genetic.PopulationSize
	cfg.Genetic.MutationRate = settings.Genetic.MutationRate

	require.NoError(t, cfg.Validate())
	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	return logging.New(logging.DebugLevel, &bytes.Buffer{})
}

// quadratic scores candidates in-process, peaking at a=4, b=4.
func quadratic(*target.Target, []string) (experiment.Runner, experiment.Scorer, error) {
	eval := experiment.FuncEvaluator(func(_ context.Context, c optimization.Candidate) (float64, error) {
		da := float64(c["a"].(int) - 4)
		db := float64(c["b"].(int) - 4)
		return -(da*da + db*db), nil
	})
	return eval.Runner(), eval.Scorer(), nil
}

// blocking never finishes an evaluation until its context is cancelled.
func blocking(*target.Target, []string) (experiment.Runner, experiment.Scorer, error) {
	eval := experiment.FuncEvaluator(func(ctx context.Context, _ optimization.Candidate) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	return eval.Runner(), eval.Scorer(), nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(testConfig(t), testLogger(t), opts...)
	t.Cleanup(func() { _ = srv.Close() })

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(srv.logger))
	srv.RegisterRoutes(r)
	return srv, r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func startExperiment(t *testing.T, h http.Handler, req map[string]interface{}) string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/api/v1/experiments", req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp["id"])
	assert.Equal(t, StatusPending, resp["status"])
	return resp["id"]
}

func waitForStatus(t *testing.T, h http.Handler, id string, want string) StatusResponse {
	t.Helper()
	var status StatusResponse
	require.Eventually(t, func() bool {
		rr := do(t, h, http.MethodGet, "/api/v1/experiments/"+id, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		status = StatusResponse{}
		if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
			return false
		}
		return status.Status == want
	}, 5*time.Second, 10*time.Millisecond, "experiment never reached %s", want)
	return status
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 2, cap(srv.slots))
}

func TestExperimentLifecycle(t *testing.T) {
	_, h := newTestServer(t, WithEvaluator(quadratic))

	id := startExperiment(t, h, map[string]interface{}{
		"target": json.RawMessage(specTarget),
		"start":  map[string]interface{}{"a": 1, "b": 4},
		"seed":   7,
	})
	status := waitForStatus(t, h, id, StatusCompleted)

	assert.Equal(t, "tabu", status.Algorithm)
	assert.Equal(t, "quadratic", status.Target)
	require.NotNil(t, status.Best)
	assert.Equal(t, 0.0, status.Best.Score)
	assert.EqualValues(t, 4, status.Best.Candidate["a"])
	assert.EqualValues(t, 4, status.Best.Candidate["b"])
	assert.NotEmpty(t, status.StopReason)
	assert.NotNil(t, status.EndTime)
	assert.LessOrEqual(t, status.Progress.Evaluations, 16)

	rr := do(t, h, http.MethodGet, "/api/v1/experiments/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var records []storage.IterationRecord
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&records))
	require.Len(t, records, status.Progress.Iterations)
	assert.Equal(t, 1, records[0].Iteration)
	assert.EqualValues(t, 1, records[0].Candidate["a"])

	rr = do(t, h, http.MethodDelete, "/api/v1/experiments/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/experiments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []StatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestExperimentFromYAMLString(t *testing.T) {
	_, h := newTestServer(t, WithEvaluator(quadratic))

	yamlTarget := "name: quadratic\ncommand: [\"true\"]\nparameters:\n  a: {min: 1, max: 4}\n  b: {values: [4, 6, 3, 2]}\n"
	id := startExperiment(t, h, map[string]interface{}{
		"target":    yamlTarget,
		"algorithm": "sweep",
	})
	status := waitForStatus(t, h, id, StatusCompleted)
	assert.Equal(t, "sweep", status.Algorithm)
	assert.Equal(t, 16, status.Progress.Evaluations)
	assert.Equal(t, string(experiment.StopFinished), string(status.StopReason))
	assert.Equal(t, 0.0, status.Best.Score)
}

// unbounded scores +Inf at a=1 and behaves like quadratic elsewhere.
func unbounded(tgt *target.Target, objs []string) (experiment.Runner, experiment.Scorer, error) {
	eval := experiment.FuncEvaluator(func(_ context.Context, c optimization.Candidate) (float64, error) {
		if c["a"].(int) == 1 {
			return math.Inf(1), nil
		}
		da := float64(c["a"].(int) - 4)
		db := float64(c["b"].(int) - 4)
		return -(da*da + db*db), nil
	})
	return eval.Runner(), eval.Scorer(), nil
}

func TestStatusWithInfiniteScores(t *testing.T) {
	_, h := newTestServer(t, WithEvaluator(unbounded))

	id := startExperiment(t, h, map[string]interface{}{
		"target":    json.RawMessage(specTarget),
		"algorithm": "sweep",
	})
	status := waitForStatus(t, h, id, StatusCompleted)
	require.NotNil(t, status.Best)
	assert.Equal(t, 0.0, status.Best.Score)
	assert.EqualValues(t, 4, status.Best.Candidate["a"])
}

func TestWriteJSONUnencodable(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, map[string]float64{"score": math.Inf(-1)})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Contains(t, body["error"], "encode response")

	rr = httptest.NewRecorder()
	writeJSON(rr, http.StatusAccepted, map[string]int{"n": 1})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"n": 1}`, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestCancelExperiment(t *testing.T) {
	_, h := newTestServer(t, WithEvaluator(blocking))

	id := startExperiment(t, h, map[string]interface{}{"target": json.RawMessage(specTarget)})
	waitForStatus(t, h, id, StatusRunning)

	rr := do(t, h, http.MethodDelete, "/api/v1/experiments/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	status := waitForStatus(t, h, id, StatusCancelled)
	assert.NotNil(t, status.EndTime)
	assert.Empty(t, status.Error)
}

func TestWorkerSlotsBoundRunningExperiments(t *testing.T) {
	srv, h := newTestServer(t, WithEvaluator(blocking))

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = startExperiment(t, h, map[string]interface{}{"target": json.RawMessage(specTarget)})
	}

	require.Eventually(t, func() bool {
		running, pending := 0, 0
		for _, id := range ids {
			st, ok := srv.Status(id)
			if !ok {
				return false
			}
			switch st.Status {
			case StatusRunning:
				running++
			case StatusPending:
				pending++
			}
		}
		return running == 2 && pending == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Cancelling a queued experiment never starts it.
	for _, id := range ids {
		if st, _ := srv.Status(id); st.Status == StatusPending {
			require.NoError(t, srv.Cancel(id))
			waitForStatus(t, h, id, StatusCancelled)
			st, _ = srv.Status(id)
			assert.Zero(t, st.Progress.Iterations)
		}
	}
}

func TestStartErrors(t *testing.T) {
	_, h := newTestServer(t, WithEvaluator(quadratic))

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed body", "not an object"},
		{"missing target", map[string]interface{}{"algorithm": "tabu"}},
		{"invalid target", map[string]interface{}{"target": json.RawMessage(`{"name": "x"}`)}},
		{"unknown algorithm", map[string]interface{}{"target": json.RawMessage(specTarget), "algorithm": "annealing"}},
		{"start outside domain", map[string]interface{}{"target": json.RawMessage(specTarget), "start": map[string]interface{}{"a": 9, "b": 4}}},
		{"bad time limit", map[string]interface{}{"target": json.RawMessage(specTarget), "time_limit": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/v1/experiments", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			var resp map[string]string
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestUnknownExperiment(t *testing.T) {
	_, h := newTestServer(t)

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/experiments/missing"},
		{http.MethodGet, "/api/v1/experiments/missing/history"},
		{http.MethodDelete, "/api/v1/experiments/missing"},
	} {
		rr := do(t, h, tt.method, tt.path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tt.method, tt.path)
	}
}

func TestAlgorithms(t *testing.T) {
	_, h := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/api/v1/algorithms", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Algorithms []string `json:"algorithms"`
		Default    string   `json:"default"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, []string{"genetic", "sweep", "tabu"}, resp.Algorithms)
	assert.Equal(t, "tabu", resp.Default)
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New(logging.DebugLevel, &logs)

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(logger))
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, logs.String(), "Recovered from panic")
	assert.Contains(t, logs.String(), "boom")
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t), WithEvaluator(blocking))
	_, err := srv.Start(StartRequest{Target: json.RawMessage(specTarget)})
	require.NoError(t, err)

	assert.NoError(t, srv.Close(), "Close should not return an error")
}
