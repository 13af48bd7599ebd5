// Package server wires the relay's components together and owns the
// HTTP surface, background loops, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/breaker"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/events"
	"github.com/mersea/llm-relay/internal/metrics"
	"github.com/mersea/llm-relay/internal/ratelimit"
	"github.com/mersea/llm-relay/internal/relay"
	"github.com/mersea/llm-relay/internal/scheduler"
	"github.com/mersea/llm-relay/internal/store"
	"github.com/mersea/llm-relay/internal/token"
	"github.com/mersea/llm-relay/internal/transport"
	"github.com/mersea/llm-relay/internal/usage"
)

// Server is the composition root. Every component is constructed here
// and handed its dependencies explicitly.
type Server struct {
	cfg      *config.Config
	store    store.Store
	bus      *events.Bus
	repo     *account.Repo
	vault    *account.Vault
	keys     *apikey.Service
	tokens   *token.Manager
	sched    *scheduler.Scheduler
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	pool     *transport.Pool
	relay    *relay.Relay
	recorder *usage.Recorder
	usageLog *usage.Log
	pricing  ratelimit.Pricing
	metrics  *metrics.Registry
	log      *slog.Logger

	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfg *config.Config, s store.Store, cipher *crypto.Cipher, usageLog *usage.Log, pricing ratelimit.Pricing, logger *slog.Logger, version string) *Server {
	bus := events.NewBus(256)
	repo := account.NewRepo(s, bus)
	vault := account.NewVault(s, cipher)
	keys := apikey.NewService(s, logger)
	pool := transport.NewPool(cfg.RequestTimeout)
	tokens := token.NewManager(repo, vault, s, pool, cfg, bus, logger)
	sched := scheduler.New(repo, s, cfg, logger)
	limiter := ratelimit.New(s, cfg, pricing, bus, logger)
	brk := breaker.New(breaker.Config{}, bus, logger)
	sched.SetBreaker(brk.Allow, brk.ReleaseProbe)
	reg := metrics.New()
	recorder := usage.NewRecorder(usageLog, s, cfg.UsageQueueSize, cfg.UsageDrainWait, logger)
	rl := relay.New(cfg, repo, tokens, sched, limiter, brk, pool, recorder, reg, logger)

	srv := &Server{
		cfg:       cfg,
		store:     s,
		bus:       bus,
		repo:      repo,
		vault:     vault,
		keys:      keys,
		tokens:    tokens,
		sched:     sched,
		limiter:   limiter,
		breaker:   brk,
		pool:      pool,
		relay:     rl,
		recorder:  recorder,
		usageLog:  usageLog,
		pricing:   pricing,
		metrics:   reg,
		log:       logger.With("component", "server"),
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        srv.requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.StreamTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authenticate

	// Relay endpoints
	mux.Handle("POST /api/v1/messages", auth(http.HandlerFunc(s.relay.ServeMessages)))
	mux.Handle("POST /claude/v1/messages", auth(http.HandlerFunc(s.relay.ServeMessages)))
	mux.Handle("POST /openai/claude/v1/messages", auth(http.HandlerFunc(s.relay.ServeOpenAI)))
	mux.Handle("POST /gemini/v1beta/{path...}", auth(http.HandlerFunc(s.relay.ServeGemini)))

	// Key self-service
	mux.Handle("GET /api/v1/models", auth(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /api/v1/key-info", auth(http.HandlerFunc(s.handleKeyInfo)))
	mux.Handle("GET /api/v1/usage", auth(http.HandlerFunc(s.handleUsage)))

	// Probes and metrics, unauthenticated
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Admin surface
	mux.HandleFunc("POST /admin/login", s.handleLogin)

	mux.Handle("GET /admin/accounts", s.requireAdmin(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /admin/accounts", s.requireAdmin(http.HandlerFunc(s.handleCreateAccount)))
	mux.Handle("GET /admin/accounts/{id}", s.requireAdmin(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("PUT /admin/accounts/{id}", s.requireAdmin(http.HandlerFunc(s.handleUpdateAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{id}/state", s.requireAdmin(http.HandlerFunc(s.handleAccountState)))
	mux.Handle("POST /admin/accounts/{id}/refresh", s.requireAdmin(http.HandlerFunc(s.handleRefreshAccount)))

	mux.Handle("GET /admin/keys", s.requireAdmin(http.HandlerFunc(s.handleListKeys)))
	mux.Handle("POST /admin/keys", s.requireAdmin(http.HandlerFunc(s.handleCreateKey)))
	mux.Handle("GET /admin/keys/{id}", s.requireAdmin(http.HandlerFunc(s.handleGetKey)))
	mux.Handle("PUT /admin/keys/{id}", s.requireAdmin(http.HandlerFunc(s.handleUpdateKey)))
	mux.Handle("DELETE /admin/keys/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteKey)))
	mux.Handle("POST /admin/keys/{id}/revoke", s.requireAdmin(http.HandlerFunc(s.handleRevokeKey)))
	mux.Handle("POST /admin/keys/{id}/credits", s.requireAdmin(http.HandlerFunc(s.handleSetCredits)))

	mux.Handle("GET /admin/groups", s.requireAdmin(http.HandlerFunc(s.handleListGroups)))
	mux.Handle("POST /admin/groups", s.requireAdmin(http.HandlerFunc(s.handleCreateGroup)))
	mux.Handle("PUT /admin/groups/{id}", s.requireAdmin(http.HandlerFunc(s.handleUpdateGroup)))
	mux.Handle("DELETE /admin/groups/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteGroup)))

	mux.Handle("GET /admin/dashboard", s.requireAdmin(http.HandlerFunc(s.handleDashboard)))
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.limiter.RunReaper(ctx, time.Minute)
	go s.pool.RunCleanup(ctx, 5*time.Minute, 10*time.Minute)
	go s.usageLog.RunPurge(ctx, 30*24*time.Hour)
	go s.repo.RunInvalidation(ctx, s.log)
	go s.runRecovery(ctx)
	go s.runMetricsSync(ctx)
	go s.runEventLog(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", "addr", s.httpServer.Addr, "store", s.store.Name(), "version", s.version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.log.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.keys.Close()
		s.recorder.Close()
		s.pool.Close()
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	storeStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		status, storeStatus = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"store":   map[string]string{"backend": s.store.Name(), "status": storeStatus},
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": s.version,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runRecovery clears expired cooldowns so parked accounts return to the
// pool without operator action.
func (s *Server) runRecovery(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.repo.RecoverExpired(ctx)
			if err != nil {
				s.log.Error("cooldown recovery failed", "error", err)
			} else if n > 0 {
				s.log.Info("recovered accounts from cooldown", "count", n)
			}
		}
	}
}

// runMetricsSync mirrors breaker states and the usage drop counter into
// prometheus.
func (s *Server) runMetricsSync(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts, err := s.repo.List(ctx)
			if err == nil {
				for _, acct := range accounts {
					s.metrics.SetBreakerState(acct.ID, int(s.breaker.State(acct.ID)))
				}
			}
			if d := s.recorder.Dropped(); d > lastDropped {
				for i := lastDropped; i < d; i++ {
					s.metrics.IncUsageDropped()
				}
				lastDropped = d
			}
		}
	}
}

// runEventLog surfaces bus events in the server log so state changes
// from any component land in one place.
func (s *Server) runEventLog(ctx context.Context) {
	id, ch, _ := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.log.Info("event", "type", string(e.Type), "accountId", e.AccountID, "keyId", e.KeyID, "message", e.Message)
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
