// Package server wires the proxy endpoints, the admin API, and the
// optional web UI into one HTTP server.
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

	"github.com/yansir/cc-router/internal/agent"
	"github.com/yansir/cc-router/internal/auth"
	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
	"github.com/yansir/cc-router/internal/oauth"
	"github.com/yansir/cc-router/internal/relay"
	"github.com/yansir/cc-router/internal/router"
	"github.com/yansir/cc-router/internal/session"
	"github.com/yansir/cc-router/internal/store"
	"github.com/yansir/cc-router/internal/tokencount"
	"github.com/yansir/cc-router/internal/transport"
)

// Server is the main HTTP server.
type Server struct {
	cfgm       *config.Manager
	relay      *relay.Handler
	oauth      *oauth.Client
	shared     *oauth.SharedTokenStore
	store      *store.Store
	bus        *events.Bus
	logs       *events.LogHandler
	transports *transport.Manager
	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfgm *config.Manager, s *store.Store, bus *events.Bus, logs *events.LogHandler, version string) *Server {
	cfg := cfgm.Current()

	registry := agent.NewRegistry()
	shared := oauth.NewSharedTokenStore(config.Dir())
	transports := transport.NewManager(10 * time.Minute)
	usage := session.NewUsageCache()
	projects := session.NewProjectResolver("")
	counter := tokencount.New()

	var custom *router.CustomRouter
	if cfg.CustomRouterPath != "" {
		custom = router.NewCustomRouter(cfg.CustomRouterPath)
	}

	r := relay.NewHandler(
		cfgm,
		auth.NewPipeline(shared, registry),
		router.NewResolver(counter, usage, custom),
		transports,
		registry,
		usage,
		projects,
		counter,
		bus,
		s,
	)

	srv := &Server{
		cfgm:       cfgm,
		relay:      r,
		oauth:      oauth.NewClient(config.Dir()),
		shared:     shared,
		store:      s,
		bus:        bus,
		logs:       logs,
		transports: transports,
		version:    version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

// method restricts a route to one HTTP method, mirroring the Go 1.22+
// "METHOD /path" ServeMux patterns on the Go 1.21 ServeMux.
func method(m string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Proxy endpoints. Auth happens inside the pipeline, not here.
	mux.Handle("/v1/messages", method(http.MethodPost, http.HandlerFunc(s.relay.HandleMessages)))
	mux.Handle("/v1/messages/count_tokens", method(http.MethodPost, http.HandlerFunc(s.relay.HandleCountTokens)))

	// OAuth-flow traffic takes any method; detection decides per request.
	mux.HandleFunc("/v1/oauth/", s.relay.HandleMessages)
	mux.HandleFunc("/oauth/", s.relay.HandleMessages)

	mux.Handle("/health", method(http.MethodGet, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "cc-router",
			"version": s.version,
			"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		})
	})

	// Admin API.
	admin := s.requireAdmin
	mux.Handle("/api/config", method(http.MethodGet, admin(http.HandlerFunc(s.handleGetConfig))))
	mux.Handle("/api/logs", method(http.MethodGet, admin(http.HandlerFunc(s.handleLogs))))
	mux.Handle("/api/events", method(http.MethodGet, admin(http.HandlerFunc(s.handleEvents))))
	mux.Handle("/api/usage", method(http.MethodGet, admin(http.HandlerFunc(s.handleUsage))))
	mux.Handle("/api/oauth/login", method(http.MethodPost, admin(http.HandlerFunc(s.handleOAuthLogin))))
	mux.Handle("/api/oauth/exchange", method(http.MethodPost, admin(http.HandlerFunc(s.handleOAuthExchange))))
	mux.Handle("/api/oauth/status", method(http.MethodGet, admin(http.HandlerFunc(s.handleOAuthStatus))))
	mux.Handle("/api/oauth/logout", method(http.MethodPost, admin(http.HandlerFunc(s.handleOAuthLogout))))

	// Optional static web UI served from disk.
	if uiPath := s.cfgm.Current().UIPath; uiPath != "" {
		if _, err := os.Stat(uiPath); err != nil {
			slog.Warn("ui path not found, /ui/ disabled", "path", uiPath, "error", err)
		} else {
			mux.Handle("/ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir(uiPath))))
		}
	}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transports.RunCleanup(ctx)
	go func() {
		if err := s.cfgm.Watch(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()
	if s.store != nil {
		go s.store.RunPurge(ctx, 30*24*time.Hour)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
