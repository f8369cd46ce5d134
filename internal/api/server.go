// Package api is the operator-facing HTTP surface: queue and service
// status, task progress and controls, runtime config, alerts. Campaign CRUD
// and recipient management belong to the external CRUD layer and are not
// served here.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/config"
	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// Store is the persistence surface the API serves from.
type Store interface {
	QueueStatus(ctx context.Context) (*store.QueueStatus, error)
	ListEnabledServices(ctx context.Context) ([]domain.EmailService, error)
	TaskProgress(ctx context.Context, id uuid.UUID) (*domain.TaskProgress, error)
	PauseTask(ctx context.Context, id uuid.UUID) error
	ResumeTask(ctx context.Context, id uuid.UUID) error
	CancelTask(ctx context.Context, id uuid.UUID) error
	RecentAlerts(ctx context.Context, limit int) ([]store.Alert, error)
	ResetDailyQuotas(ctx context.Context) (int64, error)
}

// ConfigStore reads and writes runtime settings.
type ConfigStore interface {
	Get(ctx context.Context, k sysconfig.Key) (int, error)
	Set(ctx context.Context, k sysconfig.Key, value int, actor string) error
}

// Server is the HTTP API process.
type Server struct {
	cfg    config.ServerConfig
	store  Store
	sysCfg ConfigStore
	http   *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, st Store, sysCfg ConfigStore) *Server {
	s := &Server{cfg: cfg, store: st, sysCfg: sysCfg}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the route tree. Exposed separately for handler tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status/queue", s.handleQueueStatus)
	r.Get("/api/status/services", s.handleServiceStatus)
	r.Get("/api/alerts", s.handleAlerts)
	r.With(s.requireAdmin).Post("/api/services/quota-reset", s.handleQuotaReset)

	r.Route("/api/tasks/{taskID}", func(r chi.Router) {
		r.Get("/progress", s.handleTaskProgress)
		r.Post("/pause", s.taskControl(s.store.PauseTask))
		r.Post("/resume", s.taskControl(s.store.ResumeTask))
		r.Post("/cancel", s.taskControl(s.store.CancelTask))
	})

	r.Route("/api/config", func(r chi.Router) {
		r.Get("/", s.handleConfigList)
		r.Get("/{key}", s.handleConfigGet)
		r.With(s.requireAdmin).Put("/{key}", s.handleConfigPut)
	})

	return r
}

// Start runs the HTTP listener until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	}
}

// requireAdmin guards mutating config routes with the shared admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
