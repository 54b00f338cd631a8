// Package server exposes the bout engine and ledger over HTTP. Runs stream
// as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/pit/pkg/bout"
	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/experiment"
	"github.com/pario-ai/pit/pkg/ledger"
	"github.com/pario-ai/pit/pkg/models"
)

// Identity headers. Authentication happens upstream of this service.
const (
	HeaderOwner         = "X-Pit-Owner"
	HeaderTier          = "X-Pit-Tier"
	HeaderExperimentKey = "X-Pit-Experiment-Key"
)

// Accounts is the part of the ledger the server needs.
type Accounts interface {
	Balance(ctx context.Context, owner string) (models.Account, error)
	Transactions(ctx context.Context, owner string, limit int) ([]models.Transaction, error)
	Status(ctx context.Context) (models.BudgetStatus, error)
	EnsureAccount(ctx context.Context, owner string) (models.Account, error)
	ApplyReferral(ctx context.Context, referrer, referred string) (models.ReferralResult, error)
}

// Options configures the server.
type Options struct {
	Listen string
	// ExperimentKey must accompany run requests that carry an experiment.
	// Empty disables experiments.
	ExperimentKey   string
	ShutdownTimeout time.Duration
}

// Deps are the server's collaborators.
type Deps struct {
	Engine   *bout.Engine
	Bouts    *bout.Store
	Accounts Accounts
	Catalog  *catalog.Catalog
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the pit HTTP API.
type Server struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

// New creates a Server with all routes mounted.
func New(opts Options, deps Deps) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/presets", s.handlePresets)
		r.Get("/pools", s.handlePools)
		r.Get("/accounts/{owner}", s.handleAccount)
		r.Post("/accounts/{owner}/referral", s.handleReferral)
		r.Get("/bouts/{id}", s.handleGetBout)
		r.Post("/bouts/{id}/run", s.handleRun)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx
// ends. In-flight runs get ShutdownTimeout to finish; a run cut off after
// that is finished as an error by the engine.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("pit listening", "addr", s.opts.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// runBody is the JSON body of a run request.
type runBody struct {
	PresetID   string             `json:"preset_id"`
	Agents     []models.Agent     `json:"agents,omitempty"`
	MaxTurns   int                `json:"max_turns,omitempty"`
	Model      string             `json:"model,omitempty"`
	Length     string             `json:"length,omitempty"`
	Format     string             `json:"format,omitempty"`
	Topic      string             `json:"topic,omitempty"`
	Experiment *experiment.Config `json:"experiment,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if body.Experiment != nil && (s.opts.ExperimentKey == "" || r.Header.Get(HeaderExperimentKey) != s.opts.ExperimentKey) {
		writeJSONError(w, http.StatusForbidden, "experiments require a valid experiment key")
		return
	}

	req := bout.RunRequest{
		BoutID:     chi.URLParam(r, "id"),
		PresetID:   body.PresetID,
		Agents:     body.Agents,
		MaxTurns:   body.MaxTurns,
		OwnerID:    r.Header.Get(HeaderOwner),
		Tier:       bout.Tier(r.Header.Get(HeaderTier)),
		Model:      body.Model,
		Length:     body.Length,
		Format:     body.Format,
		Topic:      body.Topic,
		Experiment: body.Experiment,
	}

	sse := &sseWriter{w: w}
	res, err := s.deps.Engine.Run(r.Context(), req, sse.send)
	if sse.started {
		// Run failures were already reported as an error event.
		if err != nil {
			s.logger.Debug("run ended with error", "bout_id", req.BoutID, "error", err)
		}
		return
	}
	if err != nil {
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error("run failed", "bout_id", req.BoutID, "error", err)
		}
		writeJSONError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, res.Bout)
}

// sseWriter starts the event stream on the first event.
type sseWriter struct {
	w       http.ResponseWriter
	started bool
}

func (s *sseWriter) send(ev bout.Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return http.NewResponseController(s.w).Flush()
}

func (s *Server) handleGetBout(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		code, msg := statusFor(err)
		writeJSONError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Accounts.Status(r.Context())
	if err != nil {
		s.logger.Error("pool status", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "pool status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type accountView struct {
	Account      models.Account       `json:"account"`
	Credits      float64              `json:"credits"`
	Transactions []models.Transaction `json:"transactions"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if owner == "" || r.Header.Get(HeaderOwner) != owner {
		writeJSONError(w, http.StatusForbidden, "account belongs to another owner")
		return
	}
	acct, err := s.deps.Accounts.Balance(r.Context(), owner)
	if err != nil {
		code, msg := statusFor(err)
		writeJSONError(w, code, msg)
		return
	}
	txs, err := s.deps.Accounts.Transactions(r.Context(), owner, 20)
	if err != nil {
		s.logger.Error("account transactions", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "transactions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		Account:      acct,
		Credits:      models.MicroToCredits(acct.BalanceMicro),
		Transactions: txs,
	})
}

type referralBody struct {
	ReferrerID string `json:"referrer_id"`
}

// handleReferral opens the caller's account and credits whoever referred it.
func (s *Server) handleReferral(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if owner == "" || r.Header.Get(HeaderOwner) != owner {
		writeJSONError(w, http.StatusForbidden, "account belongs to another owner")
		return
	}
	var body referralBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.deps.Accounts.EnsureAccount(r.Context(), owner); err != nil {
		s.logger.Error("open account", "owner_id", owner, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "account unavailable")
		return
	}
	res, err := s.deps.Accounts.ApplyReferral(r.Context(), body.ReferrerID, owner)
	if err != nil {
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error("apply referral", "owner_id", owner, "error", err)
		}
		writeJSONError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Catalog)
}

// statusFor maps an engine or store error to an HTTP status and message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, bout.ErrAlreadyRunning):
		return http.StatusConflict, "bout is already running"
	case errors.Is(err, bout.ErrNotFound):
		return http.StatusNotFound, "bout not found"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account not found"
	case errors.Is(err, ledger.ErrInvalidReferral):
		return http.StatusBadRequest, "invalid referral"
	}
	var be *bout.Error
	if !errors.As(err, &be) {
		return http.StatusInternalServerError, "internal error"
	}
	switch be.Category {
	case bout.CategoryValidation:
		if be.Reason == bout.ReasonForbidden {
			return http.StatusForbidden, be.Message()
		}
		return http.StatusBadRequest, be.Message()
	case bout.CategoryQuota:
		if be.Reason == bout.ReasonBalance {
			return http.StatusPaymentRequired, be.Message()
		}
		return http.StatusTooManyRequests, be.Message()
	case bout.CategoryUpstreamTimeout:
		return http.StatusGatewayTimeout, "upstream timed out"
	case bout.CategoryUpstreamOverloaded:
		return http.StatusServiceUnavailable, "upstream overloaded"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"pit_error","code":%d}}`, message, code)
}
