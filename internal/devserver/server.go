package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/metrics"
)

// Options tune the scripted service.
type Options struct {
	// StepDelay separates consecutive progress frames of a running job.
	StepDelay time.Duration
	// HeartbeatInterval is the period of heartbeat frames on every feed.
	HeartbeatInterval time.Duration
	// CloseGrace is how long a feed stays open after its terminal frame before
	// the server closes it with the normal-closure code.
	CloseGrace time.Duration
	// Token, when set, is required as a bearer token on every request.
	Token  string
	Clock  job.Clock
	Logger *zap.Logger
}

const (
	defaultStepDelay  = 700 * time.Millisecond
	defaultHeartbeat  = 10 * time.Second
	defaultCloseGrace = 5 * time.Second
	watcherBuffer     = 32

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Server serves the job REST endpoints and the live progress feed.
type Server struct {
	router   chi.Router
	store    *Store
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watchers map[int64]map[*watcher]struct{}
}

// New builds a Server with an empty store.
func New(opts Options) *Server {
	if opts.StepDelay <= 0 {
		opts.StepDelay = defaultStepDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  NewStore(opts.Clock),
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int64]map[*watcher]struct{}),
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	if opts.Token != "" {
		r.Use(s.tokenMiddleware)
	}

	r.Get("/healthz", s.healthz)
	r.Post("/job", s.createJob)
	r.Route("/job/{id}", func(r chi.Router) {
		r.Get("/", s.getJob)
		r.Post("/start", s.startJob)
		r.Get("/{kind}", s.getResult)
	})
	r.Get("/ws/job/{id}", s.serveFeed)
	r.Get("/history", s.history)
	r.Route("/insight/{id}", func(r chi.Router) {
		r.Post("/", s.startInsight)
		r.Get("/status", s.getInsight)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store exposes the in-memory job store.
func (s *Server) Store() *Store {
	return s.store
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devserver listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.Close()
			return fmt.Errorf("devserver listen: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("devserver shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("devserver shutdown: %w", err)
	}
	return nil
}

// Close stops running jobs and live feeds and waits for them to exit.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	brief, cached, err := s.store.Create(req.SeedInput)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("job created",
		zap.Int64("job_id", brief.ID),
		zap.String("seed", brief.SeedInput),
		zap.Bool("cached", cached),
	)
	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	s.writeJSON(w, status, brief)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	brief, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, brief)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	brief, err := s.store.Start(id)
	switch {
	case errors.Is(err, ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, ErrAlreadyStarted):
		s.writeError(w, http.StatusConflict, "job already started")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.wg.Add(1)
	go s.run(brief)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": brief.Status})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	kind := job.ResultKind(chi.URLParam(r, "kind"))
	raw, err := s.store.Result(id, kind)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("%s results not found", kind))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("write result failed", zap.Error(err))
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultHistoryLimit)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
		return
	}
	skip, err := intParam(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		s.writeError(w, http.StatusBadRequest, "skip must not be negative")
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.History(q.Get("keyword"), limit, skip))
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) startInsight(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	in, started, err := s.store.StartInsight(id)
	switch {
	case errors.Is(err, ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, ErrNotCompleted):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if started {
		s.wg.Add(1)
		go s.runInsight(id)
	}
	s.writeJSON(w, http.StatusAccepted, in)
}

func (s *Server) getInsight(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	in, err := s.store.Insight(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "integrated analysis not found")
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

// runInsight finishes an integrated analysis after two steps, summarizing
// the volumes of the completed job.
func (s *Server) runInsight(id int64) {
	defer s.wg.Done()
	logger := s.logger.With(zap.Int64("job_id", id))

	timer := time.NewTimer(2 * s.opts.StepDelay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	brief, err := s.store.Get(id)
	if err != nil {
		logger.Error("integrated analysis lost its job", zap.Error(err))
		return
	}
	text, failure := Insight(brief), ""
	if brief.TotalResult == 0 {
		text, failure = "", "no search volume to analyze"
	}
	if err := s.store.FinishInsight(id, text, failure); err != nil {
		logger.Error("record integrated analysis failed", zap.Error(err))
		return
	}
	logger.Info("integrated analysis finished", zap.Bool("failed", failure != ""))
}

// run walks a started job through its script, recording and broadcasting
// every frame.
func (s *Server) run(brief job.Brief) {
	defer s.wg.Done()
	script := Script(brief.SeedInput)
	logger := s.logger.With(zap.Int64("job_id", brief.ID))
	logger.Info("job processing started", zap.Int("steps", len(script.Steps)))

	timer := time.NewTimer(s.opts.StepDelay)
	defer timer.Stop()
	for _, step := range script.Steps {
		select {
		case <-s.ctx.Done():
			logger.Info("job processing interrupted")
			return
		case <-timer.C:
		}
		var results map[job.ResultKind]json.RawMessage
		if step.Stage == job.StageCompleted {
			results = script.Results
		}
		if err := s.store.Record(brief.ID, step, results); err != nil {
			logger.Error("record progress failed", zap.Error(err))
			return
		}
		s.broadcast(brief.ID, step)
		timer.Reset(s.opts.StepDelay)
	}
	logger.Info("job processing finished")
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if r.URL.Path == "/healthz" || token == s.opts.Token {
			next.ServeHTTP(w, r)
			return
		}
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"detail": msg})
}
