package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/hardrivetech/secdash/pkg/agg"
	"github.com/hardrivetech/secdash/pkg/backup"
	"github.com/hardrivetech/secdash/pkg/config"
	"github.com/hardrivetech/secdash/pkg/domain"
)

// Server represents HTTP server instance
type Server struct {
	config  ConfigProvider
	agg     Aggregator
	store   StateStore
	backups BackupFactory
	broker  *broker
	version string
	debug   bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Aggregator refreshes the dashboard snapshot on demand
type Aggregator interface {
	Refresh(ctx context.Context, p agg.Params) *agg.Snapshot
}

// StateStore persists triage state, filters and raw blobs between runs
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Overlay(ctx context.Context) (domain.TriageOverlay, error)
	SaveOverlay(ctx context.Context, overlay domain.TriageOverlay) error
	Filters(ctx context.Context) (domain.FilterSpec, error)
	SaveFilters(ctx context.Context, spec domain.FilterSpec) error
	Sources(ctx context.Context) ([]domain.SourceSpec, error)
	SaveSources(ctx context.Context, sources []domain.SourceSpec) error
}

// BackupStore reads and writes versioned backup documents
type BackupStore interface {
	CreateOrUpdate(ctx context.Context, docID string, blobs map[string]string) (string, error)
	Read(ctx context.Context, docID string) (map[string]string, error)
	Blobs(p backup.Payload) (map[string]string, error)
}

// BackupFactory builds a backup store for the given user token. Tokens are
// per-user and short-lived, so stores are created per request.
type BackupFactory func(ctx context.Context, token string) BackupStore

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
	GetOAuthConfig() config.OAuthConfig
	GetUpstreamsConfig() config.UpstreamsConfig
	GetSourcesConfig() config.SourcesConfig
}

// New initializes a new server instance
func New(cfg ConfigProvider, aggregator Aggregator, store StateStore, backups BackupFactory, version string, debug bool) *Server {
	s := &Server{
		config:  cfg,
		agg:     aggregator,
		store:   store,
		backups: backups,
		version: version,
		debug:   debug,
		router:  routegroup.New(http.NewServeMux()),
	}
	s.broker = newBroker(cfg.GetOAuthConfig(), cfg.GetUpstreamsConfig().GitHubOAuth)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("secdash", "hardrivetech", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	// API routes
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("GET /dashboard", s.dashboardHandler)
		r.HandleFunc("PUT /filters", s.filtersHandler)
		r.HandleFunc("POST /vulns/{id}/{action}", s.vulnActionHandler)
		r.HandleFunc("POST /backup", s.backupHandler)
		r.HandleFunc("GET /backup/{id}", s.restoreHandler)
	})

	// token broker routes, everything else on the broker surface is 404
	s.router.HandleFunc("OPTIONS /", s.broker.preflightHandler)
	s.router.HandleFunc("POST /login/device/code", s.broker.passThroughHandler)
	s.router.HandleFunc("POST /login/oauth/access_token", s.broker.passThroughHandler)
	s.router.HandleFunc("GET /oauth/start", s.broker.startHandler)
	s.router.HandleFunc("GET /oauth/callback", s.broker.callbackHandler)
	s.router.HandleFunc("/", s.notFoundHandler)
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	}
	RenderJSON(w, r, http.StatusOK, status)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.broker.setCORS(w)
	RenderJSON(w, r, http.StatusNotFound, map[string]string{"error": "Not found"})
}

// RenderJSON sends JSON response
func RenderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// RenderError sends error response as JSON
func RenderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	RenderJSON(w, r, code, map[string]string{"error": errMsg})
}
