package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coworklabs/coworkd/internal/agent"
	"github.com/coworklabs/coworkd/internal/api"
	"github.com/coworklabs/coworkd/internal/approval"
	"github.com/coworklabs/coworkd/internal/config"
	"github.com/coworklabs/coworkd/internal/hub"
	"github.com/coworklabs/coworkd/internal/orchestrator"
	"github.com/coworklabs/coworkd/internal/runtime"
	"github.com/coworklabs/coworkd/internal/state"
	"github.com/coworklabs/coworkd/internal/web"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tasks := state.NewTaskStore(db)
	sessions := state.NewSessionStore(db)
	approvals := state.NewApprovalStore(db)
	audit := state.NewAuditStore(db)

	eventHub := hub.New(hub.WithCapacity(cfg.EventBufferSize))
	broker := approval.NewBroker(approval.WithTimeout(cfg.ApprovalTimeout))
	coordinator := approval.NewCoordinator(approvals, audit, eventHub, broker, logger,
		approval.WithRequestTimeout(cfg.ApprovalTimeout))
	orch := orchestrator.New(tasks, sessions, eventHub, logger)
	defer orch.Close()

	manager := runtime.NewManager(agent.Factory(logger), orch, sessions, coordinator,
		runtime.Settings{Mode: "default", ModelID: cfg.DefaultModel, Provider: cfg.DefaultProvider}, logger)
	defer manager.Shutdown()

	apiServer := &api.Server{
		Manager:     manager,
		Orch:        orch,
		Coordinator: coordinator,
		Approvals:   approvals,
		Audit:       audit,
		Sessions:    sessions,
		Hub:         eventHub,
		StartedAt:   time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:        cfg.HTTPAddr,
			DataDir:         cfg.DataDir,
			DBPath:          cfg.DBPath,
			WebDir:          cfg.WebDir,
			DefaultModel:    cfg.DefaultModel,
			DefaultProvider: cfg.DefaultProvider,
		},
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/", webServer.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("coworkd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
