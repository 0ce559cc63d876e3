// Package server exposes the admin HTTP API: health, metrics, loop toggles
// and read access to the latest levels and option chains.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/models"
)

type Controls interface {
	Snapshot() map[string]bool
	Toggle(ctx context.Context, name string) (bool, error)
}

type Snapshots interface {
	Get(ctx context.Context, symbol string) (*models.SupportResistance, bool)
}

type Store interface {
	Ping(ctx context.Context) error
	LatestSupportResistance(ctx context.Context, symbol string) (*models.SupportResistance, error)
	LatestOptionChain(ctx context.Context, symbol string) ([]models.OptionChainRow, error)
}

type ExpiryRefresher interface {
	Refresh(ctx context.Context, symbols []string) (map[string][]string, error)
}

// Deps are the components the handlers read from.
type Deps struct {
	Controls  Controls
	Snapshots Snapshots
	Store     Store
	Expiries  ExpiryRefresher
	Gatherer  prometheus.Gatherer
	// RefreshSymbols is refreshed when a refresh request names no symbols.
	RefreshSymbols []string
}

// Server is the admin HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
}

// New creates a Server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{router: mux.NewRouter(), deps: deps}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(recoveryMiddleware)
	s.router.Use(loggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(zstdMiddleware)
	api.HandleFunc("/loops", s.listLoops).Methods(http.MethodGet)
	api.HandleFunc("/loops/{name}/toggle", s.toggleLoop).Methods(http.MethodPost)
	api.HandleFunc("/levels/{symbol}", s.levels).Methods(http.MethodGet)
	api.HandleFunc("/chain/{symbol}", s.chain).Methods(http.MethodGet)
	api.HandleFunc("/expiries/refresh", s.refreshExpiries).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Info("Admin API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
