// Package api implements the HTTP surface: submission, lookup, and
// monitoring/admin routes, with response shaping following the same
// JSON-envelope conventions the rest of the service uses. Routed with
// julienschmidt/httprouter rather than a hand-rolled mux.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/registry"
	"github.com/blocktimefinancial/refractor/internal/signer"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// Logger is the minimal logging capability handlers need.
type Logger interface {
	Errorw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
}

// Server wires the signer engine, data provider, and finalization
// queue to their HTTP routes.
type Server struct {
	engine     *signer.Engine
	store      store.Provider
	registry   *registry.Registry
	queue      *queue.Queue
	sweep      ExpirationSweeper
	adminToken string
	logger     Logger
}

// ExpirationSweeper is the capability POST /monitoring/cleanup/expired
// needs; implemented by sweep.Sweep's underlying store call, exposed
// here as its own interface so the route doesn't need the sweep
// package's periodic-ticker machinery.
type ExpirationSweeper interface {
	CleanupExpired(ctx context.Context, now int64) (int, error)
}

// New builds a Server. adminToken, if non-empty, is required as a
// bearer token on the admin routes under /monitoring/queue and
// /monitoring/cleanup.
func New(engine *signer.Engine, provider store.Provider, reg *registry.Registry, q *queue.Queue, sweeper ExpirationSweeper, adminToken string, logger Logger) *Server {
	return &Server{
		engine:     engine,
		store:      provider,
		registry:   reg,
		queue:      q,
		sweep:      sweeper,
		adminToken: adminToken,
		logger:     logger,
	}
}

// Router builds the full route table.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()

	r.POST("/tx", s.handleSubmit)
	r.GET("/tx/:hash", s.handleGet)

	r.GET("/monitoring/health", s.handleHealth)
	r.GET("/monitoring/metrics", s.handleMetrics)
	r.POST("/monitoring/queue/pause", s.adminOnly(s.handleQueuePause))
	r.POST("/monitoring/queue/resume", s.adminOnly(s.handleQueueResume))
	r.POST("/monitoring/queue/concurrency", s.adminOnly(s.handleQueueConcurrency))
	r.POST("/monitoring/cleanup/expired", s.adminOnly(s.handleCleanupExpired))

	return r
}

// adminOnly wraps h with a static bearer-token check, the minimal
// concrete form of admin authentication needed to wire the admin
// routes (a full auth subsystem is out of scope).
func (s *Server) adminOnly(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.adminToken == "" {
			h(w, r, ps)
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.adminToken {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusForError maps a classified chain/normalizer error to its
// corresponding HTTP status.
func statusForError(err error) int {
	switch chain.KindOf(err) {
	case chain.KindValidation:
		return http.StatusBadRequest
	case chain.KindUnsupportedFeature:
		return http.StatusNotAcceptable
	case chain.KindUnimplemented:
		return http.StatusNotImplemented
	case chain.KindHashCollision:
		return http.StatusConflict
	case chain.KindNotFound:
		return http.StatusNotFound
	case chain.KindTransientBackend:
		return http.StatusServiceUnavailable
	case chain.KindExpired:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
