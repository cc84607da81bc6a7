package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/runner/config"
	"tangled.sh/tangled.sh/loom/runner/db"
	"tangled.sh/tangled.sh/loom/runner/engine"
	"tangled.sh/tangled.sh/loom/runner/queue"
	"tangled.sh/tangled.sh/loom/telemetry"
	"tangled.sh/tangled.sh/loom/tid"
	"tangled.sh/tangled.sh/loom/workflow"
)

type Loom struct {
	db  *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	eng *engine.Engine
	jq  *queue.Queue
	tel *telemetry.Telemetry
	cfg *config.Config
}

func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.FromContext(ctx)

	n := notifier.New()

	d, err := db.Make(cfg.Server.DBPath, n)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	tel := telemetry.Noop()
	if cfg.Server.Telemetry {
		tel, err = telemetry.NewTelemetry(ctx, "loom", versioninfo.Short(), cfg.Server.Dev)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer tel.Shutdown(context.WithoutCancel(ctx))
	}

	executor, err := NewExecutor(ctx, cfg.Runner, logger)
	if err != nil {
		return err
	}

	sec, closeSecrets, err := NewSecretsManager(cfg.Secrets, logger)
	if err != nil {
		return err
	}
	defer closeSecrets()

	opts, err := EngineOptions(cfg.Runner)
	if err != nil {
		return err
	}
	opts = append(opts,
		engine.WithStore(d),
		engine.WithSecrets(sec),
		engine.WithTelemetry(tel),
	)
	eng, err := engine.New(ctx, executor, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	jq := queue.NewQueue(cfg.Server.QueueSize, cfg.Server.QueueWorkers)

	loom := Loom{
		db:  d,
		l:   logger,
		n:   n,
		eng: eng,
		jq:  jq,
		tel: tel,
		cfg: cfg,
	}

	// starts a job queue runner in the background
	jq.Start(ctx)
	defer jq.Wait()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: loom.Router(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting loom server", "address", cfg.Server.ListenAddr, "workflows", cfg.Server.WorkflowsDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		return err
	}

	return nil
}

func (s *Loom) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.tel.RequestInFlight())
	mux.Use(s.tel.RequestDuration())
	mux.Use(s.RequestLogger)

	mux.Post("/events", s.Ingest)
	mux.Get("/events", s.Events)
	mux.Get("/runs", s.Runs)
	mux.Get("/runs/{rkey}", s.Report)
	mux.Get("/logs/{rkey}/{instance}", s.Logs)
	return mux
}

type accepted struct {
	Rkey     string `json:"rkey"`
	Workflow string `json:"workflow"`
}

// Ingest evaluates the workflows under the configured directory against
// the posted event and enqueues a run per activated workflow.
func (s *Loom) Ingest(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Ingest")

	var ev workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event: %w", err))
		return
	}
	if ev.Kind == "" {
		writeError(w, http.StatusBadRequest, errors.New("event kind is required"))
		return
	}

	workflows, err := workflow.ParseDir(s.cfg.Server.WorkflowsDir)
	if err != nil {
		if workflow.IsConfigurationError(err) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		l.Error("failed to read workflows", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to read workflows"))
		return
	}

	activated := workflow.Activated(ev, workflows)

	var d workflow.Diagnostics
	for _, wf := range activated {
		d.Combine(workflow.Validate(wf))
	}
	if d.IsErr() {
		writeError(w, http.StatusUnprocessableEntity, d.Err())
		return
	}

	runs := make([]accepted, 0, len(activated))
	jobs := make([]queue.Job, 0, len(activated))
	for _, wf := range activated {
		rkey := tid.TID()
		jobs = append(jobs, queue.Job{
			Run: func(ctx context.Context) error {
				_, err := s.eng.RunWithRkey(ctx, rkey, wf, ev)
				return err
			},
			OnFail: func(err error) {
				l.Error("run failed", "rkey", rkey, "workflow", wf.ID(), "err", err)
			},
		})
		runs = append(runs, accepted{Rkey: rkey, Workflow: wf.ID()})
	}

	// every activated workflow runs, or none does
	if !s.jq.EnqueueAll(jobs...) {
		l.Warn("queue full, rejecting event", "kind", ev.Kind, "runs", len(jobs))
		writeError(w, http.StatusServiceUnavailable, errors.New("run queue is full"))
		return
	}

	l.Info("event accepted", "kind", ev.Kind, "ref", ev.Ref, "runs", len(runs))
	writeJSON(w, http.StatusAccepted, runs)
}

func (s *Loom) Runs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = min(n, 500)
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		s.l.Error("failed to list runs", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list runs"))
		return
	}
	if runs == nil {
		runs = []db.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Loom) Report(w http.ResponseWriter, r *http.Request) {
	rkey := chi.URLParam(r, "rkey")

	report, err := s.db.GetReport(rkey)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.l.Error("failed to get report", "rkey", rkey, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to get report"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
