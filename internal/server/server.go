package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/config"
	"github.com/copyleftdev/paramopt/internal/experiment"
	"github.com/copyleftdev/paramopt/internal/logging"
	"github.com/copyleftdev/paramopt/internal/metrics"
	"github.com/copyleftdev/paramopt/internal/objective"
	"github.com/copyleftdev/paramopt/internal/optimization"
	"github.com/copyleftdev/paramopt/internal/storage"
	"github.com/copyleftdev/paramopt/internal/target"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
	Zap() *zap.Logger
}

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// EvaluatorFactory builds the runner and scorer for a target. objectives
// names the objectives requested for the experiment.
type EvaluatorFactory func(t *target.Target, objectives []string) (experiment.Runner, experiment.Scorer, error)

// ExperimentState tracks one experiment submitted to the server.
// Fields are guarded by Server.experimentsMu.
type ExperimentState struct {
	ID          string
	Status      string
	Algorithm   string
	Target      string
	Names       []string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Result      *experiment.Result
	Err         string

	experiment *experiment.Experiment
	cancel     context.CancelFunc
}

// Server implements the HTTP API for launching, inspecting and cancelling
// experiments.
type Server struct {
	cfg        *config.Config
	logger     Logger
	strategies *experiment.Strategies
	history    storage.HistoryStore
	metrics    *metrics.Collector
	evaluator  EvaluatorFactory

	// slots bounds the number of experiments running at once.
	slots chan struct{}
	wg    sync.WaitGroup

	experiments   map[string]*ExperimentState
	experimentsMu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithStrategies replaces the default strategy registry.
func WithStrategies(r *experiment.Strategies) Option {
	return func(s *Server) { s.strategies = r }
}

// WithHistory sets the store experiments record their iterations in.
func WithHistory(store storage.HistoryStore) Option {
	return func(s *Server) { s.history = store }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithEvaluator replaces the command runner and objective handler.
func WithEvaluator(f EvaluatorFactory) Option {
	return func(s *Server) { s.evaluator = f }
}

// NewServer creates a new server instance with the given config and logger
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	workers := cfg.Experiment.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		strategies:  experiment.DefaultStrategies(),
		slots:       make(chan struct{}, workers),
		experiments: make(map[string]*ExperimentState),
	}
	s.evaluator = s.commandEvaluator
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		mem := storage.NewMemoryStore()
		_ = mem.Init(context.Background())
		s.history = mem
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/algorithms", s.handleAlgorithms)
		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleStatus)
			r.Get("/{id}/history", s.handleHistory)
			r.Delete("/{id}", s.handleCancel)
		})
	})
}

// StartRequest is the body of POST /api/v1/experiments.
type StartRequest struct {
	// Target is a target definition, in JSON or YAML.
	Target          json.RawMessage `json:"target"`
	Algorithm       string          `json:"algorithm"`
	Start           map[string]any  `json:"start,omitempty"`
	TimeLimit       string          `json:"time_limit,omitempty"`
	MaxIterations   int             `json:"max_iterations,omitempty"`
	StagnationLimit int             `json:"stagnation_limit,omitempty"`
	Seed            uint64          `json:"seed,omitempty"`
	Objectives      []string        `json:"objectives,omitempty"`
}

// StatusResponse is the body of GET /api/v1/experiments/{id}.
type StatusResponse struct {
	ID          string                   `json:"id"`
	Status      string                   `json:"status"`
	Algorithm   string                   `json:"algorithm"`
	Target      string                   `json:"target"`
	StartTime   time.Time                `json:"start_time"`
	EndTime     *time.Time               `json:"end_time,omitempty"`
	LastUpdated time.Time                `json:"last_updated"`
	Progress    experiment.Progress      `json:"progress"`
	Best        *optimization.Evaluation `json:"best,omitempty"`
	StopReason  experiment.StopReason    `json:"stop_reason,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Start validates req, creates the experiment and queues it. It returns the
// new experiment's ID.
func (s *Server) Start(req StartRequest) (string, error) {
	if len(req.Target) == 0 {
		return "", fmt.Errorf("target is required")
	}
	tgt, err := parseTarget(req.Target)
	if err != nil {
		return "", err
	}
	space, err := tgt.Space()
	if err != nil {
		return "", err
	}

	var start optimization.Candidate
	if req.Start != nil {
		if start, err = space.Canonicalize(req.Start); err != nil {
			return "", fmt.Errorf("invalid start: %w", err)
		}
	}
	var timeLimit time.Duration
	if req.TimeLimit != "" {
		if timeLimit, err = time.ParseDuration(req.TimeLimit); err != nil {
			return "", fmt.Errorf("invalid time_limit: %w", err)
		}
	} else {
		timeLimit = s.cfg.Experiment.TimeLimit
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.cfg.Experiment.MaxIterations
	}
	stagnation := req.StagnationLimit
	if stagnation == 0 {
		stagnation = s.cfg.Experiment.StagnationLimit
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = s.cfg.Experiment.Algorithm
	}
	if algorithm == "" {
		algorithm = experiment.DefaultAlgorithm
	}
	objectives := req.Objectives
	if len(objectives) == 0 {
		objectives = s.cfg.Experiment.Objectives
	}

	settings := s.cfg.OptimizerSettings()
	if req.Seed != 0 {
		settings.Seed = req.Seed
	}

	id := uuid.NewString()
	zl := s.logger.Zap().With(zap.String("experiment_id", id))
	optimizer, err := s.strategies.New(algorithm, space, settings, zl)
	if err != nil {
		return "", err
	}
	runner, scorer, err := s.evaluator(tgt, objectives)
	if err != nil {
		return "", err
	}
	exp, err := experiment.New(space, optimizer, runner, scorer, experiment.Config{
		Algorithm:       algorithm,
		RunID:           id,
		TimeLimit:       timeLimit,
		MaxIterations:   maxIterations,
		StagnationLimit: stagnation,
		Seed:            settings.Seed,
	}, experiment.WithLogger(zl), experiment.WithHistory(s.history), experiment.WithMetrics(s.metrics))
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &ExperimentState{
		ID:          id,
		Status:      StatusPending,
		Algorithm:   algorithm,
		Target:      tgt.Name,
		Names:       space.Names(),
		StartTime:   now,
		LastUpdated: now,
		experiment:  exp,
		cancel:      cancel,
	}

	s.experimentsMu.Lock()
	s.experiments[id] = state
	s.experimentsMu.Unlock()

	s.wg.Add(1)
	go s.runExperiment(ctx, state, start)

	s.logger.Info("Experiment queued", map[string]interface{}{
		"experiment_id": id,
		"algorithm":     algorithm,
		"target":        tgt.Name,
		"space_size":    space.Size(),
	})
	return id, nil
}

// parseTarget accepts a JSON object or a JSON string holding YAML.
func parseTarget(raw json.RawMessage) (*target.Target, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return target.Parse([]byte(text))
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, err
	}
	return target.Parse(compact.Bytes())
}

func (s *Server) runExperiment(ctx context.Context, state *ExperimentState, start optimization.Candidate) {
	defer s.wg.Done()
	defer state.cancel()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err())
		return
	}

	s.experimentsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.experimentsMu.Unlock()

	result, err := state.experiment.Run(ctx, start)
	s.finish(state, result, err)
}

func (s *Server) finish(state *ExperimentState, result *experiment.Result, err error) {
	s.experimentsMu.Lock()
	defer s.experimentsMu.Unlock()

	now := time.Now()
	state.Result = result
	state.LastUpdated = now
	if state.EndTime == nil {
		state.EndTime = &now
	}
	switch {
	case state.Status == StatusCancelled:
	case err == nil:
		state.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		state.Status = StatusCancelled
	default:
		state.Status = StatusFailed
		state.Err = err.Error()
	}

	fields := map[string]interface{}{
		"experiment_id": state.ID,
		"status":        state.Status,
	}
	if result != nil {
		fields["iterations"] = result.Iterations
		fields["evaluations"] = result.Evaluations
		fields["stop_reason"] = string(result.StopReason)
	}
	if err != nil && state.Status == StatusFailed {
		fields["error"] = err.Error()
		s.logger.Error("Experiment failed", fields)
		return
	}
	s.logger.Info("Experiment finished", fields)
}

// Status returns a snapshot of experiment id.
func (s *Server) Status(id string) (*StatusResponse, bool) {
	s.experimentsMu.RLock()
	defer s.experimentsMu.RUnlock()

	state, ok := s.experiments[id]
	if !ok {
		return nil, false
	}
	return s.statusLocked(state), true
}

func (s *Server) statusLocked(state *ExperimentState) *StatusResponse {
	resp := &StatusResponse{
		ID:          state.ID,
		Status:      state.Status,
		Algorithm:   state.Algorithm,
		Target:      state.Target,
		StartTime:   state.StartTime,
		EndTime:     state.EndTime,
		LastUpdated: state.LastUpdated,
		Progress:    state.experiment.Progress(),
		Error:       state.Err,
	}
	resp.Best = resp.Progress.Best
	if state.Result != nil {
		resp.StopReason = state.Result.StopReason
		resp.Best = state.Result.Best
	}
	return resp
}

// Cancel stops experiment id. It fails if the experiment does not exist or
// has already ended.
func (s *Server) Cancel(id string) error {
	s.experimentsMu.Lock()
	defer s.experimentsMu.Unlock()

	state, ok := s.experiments[id]
	if !ok {
		return errNotFound
	}
	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: experiment is %s", errConflict, state.Status)
	}

	state.cancel()
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Experiment cancelled", map[string]interface{}{
		"experiment_id": id,
	})
	return nil
}

var (
	errNotFound = errors.New("experiment not found")
	errConflict = errors.New("conflict")
)

// Close cancels every experiment and waits for them to stop.
func (s *Server) Close() error {
	s.experimentsMu.Lock()
	for _, state := range s.experiments {
		state.cancel()
	}
	s.experimentsMu.Unlock()

	s.wg.Wait()
	return s.history.Close()
}

func (s *Server) commandEvaluator(t *target.Target, objectives []string) (experiment.Runner, experiment.Scorer, error) {
	runner, err := target.NewCommandRunner(t, s.logger.Zap())
	if err != nil {
		return nil, nil, err
	}
	runner.BaseDir = s.cfg.Experiment.WorkDir
	runner.RetainIntermediates = s.cfg.Experiment.RetainIntermediates

	objs, err := objective.NewBuiltinRegistry().New(objectives...)
	if err != nil {
		return nil, nil, err
	}
	handler, err := objective.NewHandler(objs, s.logger.Zap())
	if err != nil {
		return nil, nil, err
	}
	return runner, handler, nil
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"algorithms": s.strategies.Names(),
		"default":    experiment.DefaultAlgorithm,
	})
}

// handleStart handles POST /api/v1/experiments
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	id, err := s.Start(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": StatusPending,
	})
}

// handleList handles GET /api/v1/experiments
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.experimentsMu.RLock()
	list := make([]*StatusResponse, 0, len(s.experiments))
	for _, state := range s.experiments {
		list = append(list, s.statusLocked(state))
	}
	s.experimentsMu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].StartTime.Before(list[j].StartTime)
	})
	writeJSON(w, http.StatusOK, list)
}

// handleStatus handles GET /api/v1/experiments/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /api/v1/experiments/{id}/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.Status(id); !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	records, err := s.history.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []storage.IterationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCancel handles DELETE /api/v1/experiments/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, errConflict):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
	}
}

// writeJSON encodes v before writing the header so that an unencodable
// value becomes a 500 rather than a truncated body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]string{"error": "encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
