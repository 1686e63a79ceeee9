package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/AgentDeck/internal/adapter/agentclient"
	cfhttp "github.com/Strob0t/AgentDeck/internal/adapter/http"
	cfmcp "github.com/Strob0t/AgentDeck/internal/adapter/mcp"
	cfnats "github.com/Strob0t/AgentDeck/internal/adapter/nats"
	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/adapter/stream"
	"github.com/Strob0t/AgentDeck/internal/adapter/ws"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/logger"
	"github.com/Strob0t/AgentDeck/internal/middleware"
	"github.com/Strob0t/AgentDeck/internal/port/broadcast"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
	"github.com/Strob0t/AgentDeck/internal/resilience"
	"github.com/Strob0t/AgentDeck/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return runServe()
	case "hash-key":
		return runHashKey(args)
	case "migrate":
		return runMigrate(args)
	case "help", "--help", "-h":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agentdeck [command] [options]

Commands:
  serve      Run the session orchestrator and HTTP API (default)
  hash-key   Print a bcrypt hash for auth.api_key_hash
  migrate    Apply or roll back task registry migrations
  help       Show this help message

Examples:
  agentdeck
  agentdeck hash-key
  agentdeck migrate --status
  agentdeck migrate --down 1
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	if cfg.Session.Key == "" {
		cfg.Session.Key = uuid.NewString()
	}
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"agent_url", cfg.Agent.URL,
		"registry_backend", cfg.Registry.Backend,
		"session_key", cfg.Session.Key,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	shutdownOtel, err := cfotel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	var queue *cfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Close(); err != nil {
				slog.Warn("nats close", "error", err)
			}
		}()
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	reg, closeRegistry, err := buildRegistry(ctx, cfg, queue)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer closeRegistry()

	store, err := buildCache(ctx, cfg, queue)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	agentClient, err := agentclient.NewClient(cfg.Agent)
	if err != nil {
		return fmt.Errorf("agent client: %w", err)
	}
	agentClient.SetBreaker(resilience.FromConfig("agent", cfg.Breaker))
	dialer := stream.NewDialer(agentClient.Token())

	// --- Session ---

	hub := ws.NewHub()
	defer hub.Close()

	bc := broadcast.Multi{hub}
	if queue != nil {
		bc = append(bc, cfnats.NewPublisher(queue))
	}

	orch := service.NewOrchestrator(&cfg.Session, cfg.Agent.ProjectPath, service.OrchestratorDeps{
		Registry: reg,
		Agent:    agentClient,
		Dialer:   dialer,
		Hub:      bc,
		Cache:    store,
		Metrics:  metrics,
	})
	defer orch.Close()

	if cfg.Session.VisibilityFollowsViewers {
		hub.OnViewersChanged(func(count int) {
			orch.SetVisible(count > 0)
		})
	}
	orch.SetOnQueueEmpty(func(context.Context) {
		slog.Info("all queued tasks processed", "session_key", orch.SessionKey())
	})

	if queue != nil {
		stopConsume, err := queue.Subscribe(ctx, messagequeue.SubjectTaskEnqueue, cfnats.EnqueueHandler(orch))
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer stopConsume()
		slog.Info("accepting queued tasks", "subject", messagequeue.SubjectTaskEnqueue)
	}

	// --- HTTP ---

	handlers := &cfhttp.Handlers{
		Session:      orch,
		WS:           http.HandlerFunc(hub.HandleWS),
		LogTailLimit: cfg.Session.LogTailLimit,
	}
	if cfg.Registry.Serve {
		if cfg.Registry.Backend == config.RegistryHTTP {
			slog.Warn("registry.serve ignored for the http backend")
		} else {
			handlers.Registry = reg
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.APIKey(cfg.Auth.APIKeyHash))

	cfhttp.MountRoutes(r, handlers, middleware.Idempotency(store))

	if cfg.MCP.Enabled {
		mcpSrv := cfmcp.NewServer(cfmcp.ServerConfig{
			Name:    cfg.Logging.Service,
			Version: cfhttp.Version,
		}, cfmcp.ServerDeps{Session: orch})
		r.Handle("/mcp", mcpSrv.Handler())
		slog.Info("mcp server enabled", "path", "/mcp")
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
