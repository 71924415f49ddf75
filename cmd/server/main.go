package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"cogni/internal/billing"
	"cogni/internal/completion"
	"cogni/internal/config"
	"cogni/internal/graph"
	"cogni/internal/ledger"
	"cogni/internal/llm"
	"cogni/internal/logger"
	"cogni/internal/obsv"
	"cogni/internal/pubsub"
	"cogni/internal/sandbox"
	"cogni/internal/server"
)

func main() {
	app := &cli.App{
		Name:    "cogni",
		Usage:   "Graph execution and billing core",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the execution server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "host",
						Usage:   "Server host",
						Value:   "0.0.0.0",
						EnvVars: []string{"COGNI_HOST"},
					},
					&cli.IntFlag{
						Name:    "port",
						Usage:   "Server port",
						Value:   8080,
						EnvVars: []string{"COGNI_PORT"},
					},
					&cli.StringFlag{
						Name:    "workspace-root",
						Usage:   "Host directory for per-run sandbox workspaces",
						Value:   "/var/lib/cogni/workspaces",
						EnvVars: []string{"COGNI_WORKSPACE_ROOT"},
					},
					&cli.BoolFlag{
						Name:    "disable-sandbox",
						Usage:   "Run without the sandbox provider (no Docker required)",
						EnvVars: []string{"COGNI_DISABLE_SANDBOX"},
					},
				},
				Action: runServer,
			},
			{
				Name:   "migrate",
				Usage:  "Run database migrations",
				Action: runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	ctx, log := logger.PrepareLogger(ctx)
	defer log.Sync() //nolint:errcheck

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Ledger store and schema.
	var storeOpts []ledger.Option
	if cfg.SettleFloor != nil {
		storeOpts = append(storeOpts, ledger.WithSettleFloor(*cfg.SettleFloor))
	}
	store, err := ledger.New(ctx, cfg.DatabaseURL, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}

	// LLM transport and completion unit.
	transport := llm.NewClient(cfg.LiteLLMBaseURL, cfg.LiteLLMMasterKey)
	unit := completion.NewUnit(transport, store)

	// Providers.
	inproc := graph.NewInprocProvider("langgraph", unit, nil,
		&graph.GraphDef{
			Name:        "chat",
			Description: "Single-shot chat completion",
			Run:         graph.SingleCompletion(),
		},
		&graph.GraphDef{
			Name:        "poet",
			Description: "Single-shot poetry assistant",
			Run:         graph.SingleCompletion(),
		},
	)
	providers := []graph.Provider{inproc}

	var proxies *sandbox.ProxyManager
	if !c.Bool("disable-sandbox") {
		dockerClient, err := client.NewClientWithOpts(
			client.WithHost(cfg.DockerHost),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer dockerClient.Close()

		if _, err := dockerClient.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping docker daemon: %w", err)
		}

		proxies = sandbox.NewProxyManager(dockerClient, sandbox.ProxyConfig{
			Image:       cfg.SandboxProxyImage,
			UpstreamURL: cfg.LiteLLMBaseURL,
			MasterKey:   cfg.LiteLLMMasterKey,
		})

		// Reap proxies and volumes left by crashed runs before accepting
		// traffic.
		reaped, err := proxies.Sweep(ctx)
		if err != nil {
			log.Warn("orphan sweep incomplete", zap.Error(err))
		}
		log.Info("orphan sweep finished", zap.Int("reaped", reaped))

		sandboxProvider := sandbox.NewProvider("sandbox", dockerClient, proxies, sandbox.Config{
			Image:         cfg.SandboxImage,
			WorkspaceRoot: c.String("workspace-root"),
			RuntimeLimit:  cfg.SandboxRuntimeLimit,
			MemoryBytes:   cfg.SandboxMemoryBytes,
			PidsLimit:     cfg.SandboxPidsLimit,
		}, []graph.AgentInfo{
			{GraphID: "sandbox:agent", Name: "agent", Description: "Container-isolated agent"},
		})
		providers = append(providers, sandboxProvider)

		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			proxies.StopAll(stopCtx)
		}()
	}

	// Observability decoration around the aggregate executor.
	var sink obsv.Sink
	if cfg.LangfuseEnabled() {
		sink = obsv.NewLangfuseSink(cfg.LangfuseHost, cfg.LangfusePublicKey, cfg.LangfuseSecretKey)
	} else {
		sink = obsv.NewLogSink()
	}
	executor := obsv.NewDecorator(graph.NewAggregator(providers...), sink)

	// Usage settlement and event fan-out.
	recorder := billing.NewRecorder(store, cfg.CreditsPerUSD)

	var events pubsub.PubSub
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		events = pubsub.NewRedisPubSub(redis.NewClient(redisOpts))
	} else {
		events = pubsub.NewMemoryPubSub()
	}
	defer events.Close()

	srv := server.New(executor, store, recorder, transport, events)

	addr := fmt.Sprintf("%s:%d", c.String("host"), c.Int("port"))
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	log.Info("server ready",
		zap.String("addr", addr),
		zap.String("litellm", cfg.LiteLLMBaseURL),
		zap.Bool("sandbox", proxies != nil),
		zap.Bool("langfuse", cfg.LangfuseEnabled()))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	ctx, log := logger.PrepareLogger(c.Context)
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	store, err := ledger.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("migrations completed")
	return nil
}
