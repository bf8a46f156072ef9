// Package server hosts the flowstate HTTP API: tasks, runs, projects,
// artifacts, and infra endpoints, plus the watchdog sweep and the runner
// registry the pod manager drains through.
package server

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/metrics"
	"github.com/flowstate-dev/flowstate/internal/podmanager"
	"github.com/flowstate-dev/flowstate/internal/storage"
)

// Server wires the API handlers to their dependencies.
type Server struct {
	db       *storage.DB
	store    blob.Store
	sealKey  []byte
	runners  *Registry
	podState *podmanager.State
	podMu    *sync.Mutex
}

// New creates a Server. podState may be nil when the pod manager is not
// configured.
func New(db *storage.DB, store blob.Store, sealKey []byte, runners *Registry, podState *podmanager.State, podMu *sync.Mutex) *Server {
	return &Server{
		db:       db,
		store:    store,
		sealKey:  sealKey,
		runners:  runners,
		podState: podState,
		podMu:    podMu,
	}
}

// Router assembles the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.apiKeyAuth)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Get("/{id}", s.handleGetProject)
			r.Delete("/{id}", s.handleDeleteProject)
			r.Put("/{id}/repo-token", s.handleSetRepoToken)
			r.Get("/{id}/repo-token", s.handleGetRepoToken)
			r.Get("/{id}/tasks", s.handleListTasks)
			r.Post("/{id}/tasks", s.handleCreateTask)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/{id}", s.handleGetTask)
			r.Patch("/{id}", s.handleUpdateTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Get("/{id}/children", s.handleListChildTasks)
			r.Get("/{id}/prs", s.handleListTaskPRs)
			r.Post("/{id}/prs", s.handleCreateTaskPR)
			r.Get("/{id}/links", s.handleListTaskLinks)
			r.Post("/{id}/links", s.handleCreateTaskLink)
			r.Get("/{id}/artifacts/{phase}", s.handleGetArtifact)
			r.Put("/{id}/artifacts/{phase}", s.handlePutArtifact)
			r.Post("/{id}/expand-subtasks", s.handleExpandSubtasks)
			r.Get("/{id}/claude-runs", s.handleListRuns)
			r.Post("/{id}/claude-runs", s.handleTriggerRun)
		})

		r.Route("/claude-runs", func(r chi.Router) {
			r.Post("/claim", s.handleClaimRun)
			r.Get("/{id}", s.handleGetRun)
			r.Put("/{id}/status", s.handleUpdateRunStatus)
			r.Put("/{id}/progress", s.handleUpdateRunProgress)
			r.Put("/{id}/prompt", s.handlePutRunPrompt)
			r.Put("/{id}/output", s.handlePutRunOutput)
			r.Get("/{id}/output", s.handleGetRunOutput)
		})

		r.Route("/infra", func(r chi.Router) {
			r.Get("/runners", s.handleListRunners)
			r.Put("/runners/{id}/config", s.handleSetRunnerConfig)
			r.Get("/pod-status", s.handlePodStatus)
			r.Post("/pod/start", s.handlePodStart)
			r.Post("/pod/stop", s.handlePodStop)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "role": "server"})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth enforces bearer auth once at least one API key is registered.
// With no keys the server runs open, which is the local-dev default.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		count, err := s.db.CountAPIKeys()
		if err != nil {
			writeError(w, err)
			return
		}
		if count == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			key = strings.TrimPrefix(auth, "Bearer ")
			if key == auth {
				key = ""
			}
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "api key required"})
			return
		}

		ok, err := s.db.CheckAPIKey(key)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
