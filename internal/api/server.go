// Package api serves the chainlog HTTP API.
//
// Routes (all /v1 routes need a bearer credential):
//
//	GET  /healthz                              liveness, no auth
//	GET  /v1/audit                             query events
//	GET  /v1/audit/validate                    verify a session chain
//	GET  /v1/audit/stream                      websocket feed of new events
//	POST /v1/runs/{run_id}/replay              safe replay of a run
//	GET  /v1/runs/{run_id}                     run state folded from its events
//	POST /v1/sessions/{session_id}/events      append an event
//	GET  /v1/sessions/{session_id}/tip         current chain head
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ctrlai/chainlog/internal/audit"
	"github.com/ctrlai/chainlog/internal/auth"
	"github.com/ctrlai/chainlog/internal/feed"
	"github.com/ctrlai/chainlog/internal/query"
	"github.com/ctrlai/chainlog/internal/replay"
)

// maxBodyBytes bounds an append request body.
const maxBodyBytes = 1 << 20

// Options holds the dependencies injected into the server.
type Options struct {
	Ledger *audit.Ledger
	Query  *query.Service
	Replay *replay.Engine
	Auth   *auth.Authenticator

	// Stream serves /v1/audit/stream. Nil disables the route.
	Stream *feed.Stream

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string

	Version string
}

// Server is the HTTP front of the ledger.
type Server struct {
	ledger  *audit.Ledger
	query   *query.Service
	replay  *replay.Engine
	auth    *auth.Authenticator
	stream  *feed.Stream
	origins []string
	version string
}

// New creates a Server with the given dependencies.
func New(opts Options) *Server {
	return &Server{
		ledger:  opts.Ledger,
		query:   opts.Query,
		replay:  opts.Replay,
		auth:    opts.Auth,
		stream:  opts.Stream,
		origins: opts.CORSOrigins,
		version: opts.Version,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.origins))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(streamTokenParam)
		v1.Use(s.auth.Middleware(writeError))

		v1.Get("/audit", s.handleAuditQuery)
		v1.Get("/audit/validate", s.handleAuditValidate)
		if s.stream != nil {
			v1.Get("/audit/stream", s.handleAuditStream)
		}

		v1.Post("/runs/{run_id}/replay", s.handleReplay)
		v1.Get("/runs/{run_id}", s.handleRun)

		v1.Post("/sessions/{session_id}/events", s.handleAppend)
		v1.Get("/sessions/{session_id}/tip", s.handleTip)
	})

	return r
}

// handleHealth reports liveness.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// handleAuditQuery returns matching events in append order.
// GET /v1/audit?session_id=&run_id=&type=&since=&until=&limit=
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := query.ParseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := query.Params{
		SessionID: q.Get("session_id"),
		RunID:     q.Get("run_id"),
		Type:      q.Get("type"),
		Since:     q.Get("since"),
		Until:     q.Get("until"),
		Limit:     limit,
	}
	if err := authorizeSession(r, p.SessionID); err != nil {
		writeError(w, r, err)
		return
	}

	events, err := s.query.Events(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleAuditValidate verifies a session chain. A broken chain is a
// successful response with valid=false.
// GET /v1/audit/validate?session_id=&limit=
func (s *Server) handleAuditValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	limit, err := query.ParseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessionID != "" {
		if err := authorizeSession(r, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	res, err := s.query.Validate(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Valid {
		slog.Warn("audit chain tampering detected",
			"session_id", sessionID,
			"invalid_index", res.InvalidIndex,
			"expected", res.Expected,
			"actual", res.Actual,
		)
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuditStream upgrades to a websocket and forwards new events.
// GET /v1/audit/stream?session_id=
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if err := authorizeSession(r, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	if sessionID != "" && !audit.IDPattern.MatchString(sessionID) {
		writeError(w, r, fmt.Errorf("%w: session_id %q", audit.ErrInvalidQuery, sessionID))
		return
	}

	p, _ := auth.FromContext(r.Context())
	match := func(ev audit.Event) bool { return p.CanAccess(ev.SessionID) }
	if sessionID != "" {
		match = feed.SessionMatch(sessionID)
	}
	s.stream.Serve(w, r, match)
}

// handleReplay replays a run from its recorded events.
// POST /v1/runs/{run_id}/replay?mode=safe
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.query.Timeout())
	defer cancel()

	res, err := s.replay.SafeReplay(ctx, runID, r.URL.Query().Get("mode"))
	if aerr := authorizeRun(r, runID, res.SessionIDs); aerr != nil {
		writeError(w, r, aerr)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRun returns the run's state.
// GET /v1/runs/{run_id}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.query.Timeout())
	defer cancel()

	view, err := s.replay.Run(ctx, runID)
	if aerr := authorizeRun(r, runID, view.SessionIDs); aerr != nil {
		writeError(w, r, aerr)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// appendRequest is the body of an append. ExpectedTip, when present, makes
// the append conditional on the session head.
type appendRequest struct {
	RunID       string         `json:"run_id"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	Timestamp   string         `json:"ts"`
	ExpectedTip *string        `json:"expected_tip"`
}

// handleAppend appends one event to the session chain.
// POST /v1/sessions/{session_id}/events
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	p, _ := auth.FromContext(r.Context())
	if err := p.Authorize(sessionID); err != nil {
		writeError(w, r, err)
		return
	}

	var req appendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err))
		return
	}

	d := audit.Draft{
		SessionID: sessionID,
		RunID:     req.RunID,
		Type:      req.Type,
		Data:      req.Data,
	}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: ts %q is not RFC 3339", errBadRequest, req.Timestamp))
			return
		}
		d.Timestamp = ts
	}

	var ev audit.Event
	var err error
	if req.ExpectedTip != nil {
		ev, err = s.ledger.AppendAt(r.Context(), *req.ExpectedTip, d)
	} else {
		ev, err = s.ledger.Append(r.Context(), d)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// handleTip returns the session's head hash.
// GET /v1/sessions/{session_id}/tip
func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	p, _ := auth.FromContext(r.Context())
	if err := p.Authorize(sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	tip, err := s.ledger.Tip(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "tip": tip})
}

// authorizeSession checks the caller may read sessionID. Reads across all
// sessions need an unrestricted credential.
func authorizeSession(r *http.Request, sessionID string) error {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.ErrUnauthorized
	}
	if sessionID == "" {
		if p.Admin || p.Scope.Unrestricted() {
			return nil
		}
		return fmt.Errorf("%w: %s must name a session_id", auth.ErrForbidden, p.Name)
	}
	return p.Authorize(sessionID)
}

// authorizeRun checks the caller may read every session the run touched.
// A run outside the caller's scope is reported as not found, the same as
// a run that does not exist.
func authorizeRun(r *http.Request, runID string, sessionIDs []string) error {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.ErrUnauthorized
	}
	for _, sid := range sessionIDs {
		if !p.CanAccess(sid) {
			slog.Debug("run outside caller scope", "run", runID, "session_id", sid, "principal", p.Name)
			return fmt.Errorf("%w: %s", replay.ErrRunNotFound, runID)
		}
	}
	return nil
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
