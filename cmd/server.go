package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
	"github.com/sells-group/loan-ingest/internal/quarantine"
	"github.com/sells-group/loan-ingest/internal/store"
)

// reviewServer exposes the quarantine and orphan review workflows over HTTP.
type reviewServer struct {
	env *ingestEnv
	log *zap.Logger
}

func newRouter(env *ingestEnv, allowedOrigins []string) http.Handler {
	s := &reviewServer{
		env: env,
		log: zap.L().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/agencies/{agency}", func(r chi.Router) {
		r.Route("/quarantine", func(r chi.Router) {
			r.Get("/", s.handleListQuarantine)
			r.Post("/release", s.handleRelease)
			r.Get("/{id}", s.handleGetQuarantine)
			r.Post("/{id}/fix", s.handleFix)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/reject", s.handleReject)
		})
		r.Route("/orphans", func(r chi.Router) {
			r.Post("/match", s.handleMatch)
			r.Get("/{loanID}/candidates", s.handleCandidates)
			r.Post("/{loanID}/link", s.handleLink)
		})
	})

	return r
}

// reviewRequest is the body shared by the review actions; unused fields are
// ignored per action.
type reviewRequest struct {
	User        string        `json:"user"`
	Notes       string        `json:"notes"`
	CleanedData model.RowData `json:"cleaned_data"`
	BatchID     string        `json:"batch_id"`
	CustomerID  string        `json:"customer_id"`
	DryRun      bool          `json:"dry_run"`
}

// pinger is implemented by stores backed by a network database.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *reviewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if p, ok := s.env.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.log.Warn("health: store ping failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
		}
	}
	s.respond(w, status, body)
}

func (s *reviewServer) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.QuarantineFilter{
		Status:  model.QuarantineStatus(q.Get("status")),
		BatchID: q.Get("batch_id"),
		Limit:   queryInt(q.Get("limit"), 100),
		Offset:  queryInt(q.Get("offset"), 0),
	}
	rows, err := s.env.Quarantine.List(r.Context(), chi.URLParam(r, "agency"), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []model.QuarantinedRow{}
	}
	s.respond(w, http.StatusOK, rows)
}

func (s *reviewServer) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	row, err := s.env.Quarantine.Get(r.Context(), chi.URLParam(r, "agency"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, row)
}

func (s *reviewServer) handleFix(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	row, err := s.env.Quarantine.Fix(r.Context(), chi.URLParam(r, "agency"), chi.URLParam(r, "id"), req.CleanedData, req.User, req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, row)
}

func (s *reviewServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	row, err := s.env.Quarantine.Approve(r.Context(), chi.URLParam(r, "agency"), chi.URLParam(r, "id"), req.User)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, row)
}

func (s *reviewServer) handleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	row, err := s.env.Quarantine.Reject(r.Context(), chi.URLParam(r, "agency"), chi.URLParam(r, "id"), req.User, req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, row)
}

func (s *reviewServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	sum, err := s.env.Quarantine.ImportApproved(r.Context(), chi.URLParam(r, "agency"), req.BatchID, req.User, s.env.Pipeline.Executor())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sum)
}

func (s *reviewServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	opts := orphanOptions()
	opts.DryRun = req.DryRun
	report, err := s.env.Reconciler.Run(r.Context(), chi.URLParam(r, "agency"), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *reviewServer) handleCandidates(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 3)
	cands, err := s.env.Reconciler.Candidates(r.Context(), chi.URLParam(r, "agency"), chi.URLParam(r, "loanID"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if cands == nil {
		cands = []model.MatchCandidate{}
	}
	s.respond(w, http.StatusOK, cands)
}

func (s *reviewServer) handleLink(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.CustomerID == "" {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "customer_id is required"})
		return
	}
	loanID := chi.URLParam(r, "loanID")
	if err := s.env.Reconciler.Link(r.Context(), chi.URLParam(r, "agency"), loanID, req.CustomerID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"loan_id": loanID, "customer_id": req.CustomerID})
}

// decode reads an optional JSON body. An empty body yields the zero request.
func (s *reviewServer) decode(w http.ResponseWriter, r *http.Request) (reviewRequest, bool) {
	var req reviewRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	return req, true
}

func (s *reviewServer) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quarantine.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, normalize.ErrInvalidField):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *reviewServer) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
