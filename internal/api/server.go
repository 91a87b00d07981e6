// Package api is the daemon's HTTP surface: hook ingestion, search and
// memory endpoints, activity browsing, backup, governance, and devtools.
// The hook path is fail-open: provider failures return an empty injection
// instead of an error so an agent is never blocked.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"oakci/internal/backup"
	"oakci/internal/config"
	"oakci/internal/governance"
	"oakci/internal/hookstate"
	"oakci/internal/indexer"
	"oakci/internal/logging"
	"oakci/internal/memory"
	"oakci/internal/pipeline"
	"oakci/internal/power"
	"oakci/internal/store"
)

// Server wires the HTTP layer to the daemon's subsystems.
type Server struct {
	cfg   *config.Config
	paths *config.Paths

	store      *store.Store
	memory     *memory.Engine
	governance *governance.Evaluator
	cache      *hookstate.Cache
	backups    *backup.Manager
	pipeline   *pipeline.Pipeline
	power      *power.Controller
	indexer    *indexer.Indexer

	token     string
	version   string
	startedAt time.Time
	tunnelURL string
	dedup     *dedupCache

	httpServer *http.Server
}

// Options wires the server. Memory, governance, backups, pipeline, power,
// and indexer are optional; their endpoints return 503 when absent.
type Options struct {
	Config     *config.Config
	Paths      *config.Paths
	Store      *store.Store
	Memory     *memory.Engine
	Governance *governance.Evaluator
	Cache      *hookstate.Cache
	Backups    *backup.Manager
	Pipeline   *pipeline.Pipeline
	Power      *power.Controller
	Indexer    *indexer.Indexer
	Version    string
	TunnelURL  string
}

// NewServer creates the server and provisions the auth token.
func NewServer(opts Options) (*Server, error) {
	s := &Server{
		cfg:        opts.Config,
		paths:      opts.Paths,
		store:      opts.Store,
		memory:     opts.Memory,
		governance: opts.Governance,
		cache:      opts.Cache,
		backups:    opts.Backups,
		pipeline:   opts.Pipeline,
		power:      opts.Power,
		indexer:    opts.Indexer,
		version:    opts.Version,
		startedAt:  time.Now(),
		tunnelURL:  opts.TunnelURL,
		dedup:      newDedupCache(5 * time.Second),
	}
	token, err := provisionToken(opts.Paths.TokenFile)
	if err != nil {
		return nil, err
	}
	s.token = token
	return s, nil
}

// provisionToken writes a fresh token at every start; OAK_CI_TOKEN overrides
// for hook scripts running in constrained environments.
func provisionToken(path string) (string, error) {
	if t := os.Getenv(config.EnvToken); t != "" {
		return t, nil
	}
	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return token, nil
}

// Token returns the active bearer token.
func (s *Server) Token() string { return s.token }

// WriteVersionStamp records the running version for mismatch detection by
// the CLI surface.
func WriteVersionStamp(paths *config.Paths, version string) error {
	return os.WriteFile(paths.VersionFile, []byte(version), 0644)
}

// Router builds the chi router with auth and CORS applied to everything but
// the health endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/api/oak/ci", func(r chi.Router) {
			r.Post("/session-start", s.handleSessionStart)
			r.Post("/prompt-submit", s.handlePromptSubmit)
			r.Post("/post-tool-use", s.handlePostToolUse(true))
			r.Post("/post-tool-use-failure", s.handlePostToolUse(false))
			r.Post("/stop", s.handleStop)
			r.Post("/session-end", s.handleSessionEnd)
			r.Post("/subagent-start", s.handleSubagentStart)
			r.Post("/subagent-stop", s.handleSubagentStop)
			r.Post("/pre-compact", s.handlePreCompact)
		})

		r.Get("/api/search", s.handleSearchGet)
		r.Post("/api/search", s.handleSearchPost)
		r.Post("/api/fetch", s.handleFetch)
		r.Post("/api/remember", s.handleRemember)
		r.Post("/api/context", s.handleContext)

		r.Get("/api/memories", s.handleListMemories)
		r.Put("/api/memories/{id}/status", s.handleMemoryStatus)
		r.Post("/api/memories/bulk/status", s.handleMemoryBulkStatus)

		r.Get("/api/status", s.handleStatus)

		r.Route("/api/activity/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Get("/{id}/batches", s.handleSessionBatches)
			r.Get("/{id}/activities", s.handleSessionActivities)
			r.Post("/{id}/complete", s.handleCompleteSession)
			r.Post("/{id}/link-parent", s.handleLinkParent)
		})

		r.Route("/api/backup", func(r chi.Router) {
			r.Post("/create", s.handleBackupCreate)
			r.Post("/restore", s.handleBackupRestore)
			r.Post("/restore-all", s.handleBackupRestoreAll)
			r.Get("/status", s.handleBackupStatus)
		})

		r.Route("/api/governance", func(r chi.Router) {
			r.Get("/config", s.handleGovernanceConfigGet)
			r.Put("/config", s.handleGovernanceConfigPut)
			r.Get("/audit", s.handleGovernanceAudit)
			r.Post("/audit/prune", s.handleGovernanceAuditPrune)
			r.Post("/test", s.handleGovernanceTest)
		})

		r.Route("/api/devtools", func(r chi.Router) {
			r.Post("/rebuild-index", s.handleRebuildIndex)
			r.Post("/reset-processing", s.handleResetProcessing)
			r.Post("/rebuild-memories", s.handleRebuildMemories)
			r.Post("/compact-chromadb", s.handleCompact)
		})

		r.Post("/api/self-restart", s.handleSelfRestart)
	})

	return r
}

// Start listens on the deterministic project port, loopback only.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.paths.Port())
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logging.API("Listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || auth[len(prefix):] != s.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware admits localhost origins and the active tunnel only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if s.tunnelURL != "" {
		if tu, err := url.Parse(s.tunnelURL); err == nil && tu.Hostname() == host {
			return true
		}
	}
	return false
}

// SetTunnelURL updates the CORS allow-list when a tunnel comes up or down.
func (s *Server) SetTunnelURL(u string) {
	s.tunnelURL = u
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.power != nil {
		health["power_state"] = s.power.CurrentState()
	}
	if s.memory != nil {
		if counts, err := s.memory.IndexCounts(); err == nil {
			health["index"] = counts
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Warn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// clientIP is used for hook logging only.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
