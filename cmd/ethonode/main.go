package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gilestrolab/ethoscope-node/internal/auth"
	"github.com/gilestrolab/ethoscope-node/internal/config"
	"github.com/gilestrolab/ethoscope-node/internal/event"
	"github.com/gilestrolab/ethoscope-node/internal/fleet"
	"github.com/gilestrolab/ethoscope-node/internal/notify"
	"github.com/gilestrolab/ethoscope-node/internal/registry"
	"github.com/gilestrolab/ethoscope-node/internal/roster"
	"github.com/gilestrolab/ethoscope-node/internal/server"
	"github.com/gilestrolab/ethoscope-node/internal/store"
	"github.com/gilestrolab/ethoscope-node/internal/stream"
	"github.com/gilestrolab/ethoscope-node/internal/version"
	"github.com/gilestrolab/ethoscope-node/internal/ws"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration before the logger, so log level and format
	// can come from the config file.
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("ethoscope-node starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	// Open the registry database.
	dbPath := viperCfg.GetString("database.dsn")
	if dbPath == "" {
		dbPath = "ethoscope-node.db"
	}
	db, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refuse to run against a database written by a newer release.
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("database version check failed", zap.Error(err))
	}

	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	bus := event.NewBus(logger.Named("event"))

	// Register all modules (compile-time composition).
	reg := registry.New(logger.Named("registry"))
	modules := []module.Module{
		roster.New(),
		fleet.New(),
		stream.New(),
		notify.New(),
		auth.New(),
		ws.New(),
	}
	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			logger.Fatal("failed to register module", zap.Error(err))
		}
	}

	// Validate dependency graph and API versions.
	if err := reg.Validate(); err != nil {
		logger.Fatal("module validation failed", zap.Error(err))
	}

	if err := reg.InitAll(ctx, func(name string) module.Dependencies {
		return module.Dependencies{
			Config:  cfg.Sub("modules." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Modules: reg,
		}
	}); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	// API auth is enforced by the server middleware chain when the auth
	// module is active. A disabled auth module leaves the API open.
	var authMiddleware func(http.Handler) http.Handler
	if m, ok := reg.Get("auth"); ok {
		if am, ok := m.(*auth.Module); ok {
			authMiddleware = auth.Middleware(am.Tokens())
		}
	}
	if authMiddleware == nil {
		logger.Warn("auth module inactive, API authentication disabled",
			zap.String("component", "auth"),
		)
	}

	addr := viperCfg.GetString("server.host") + ":" + viperCfg.GetString("server.port")
	if addr == ":" {
		addr = "0.0.0.0:8090"
	}
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	srv := server.New(addr, reg, logger.Named("server"), readyCheck, authMiddleware)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("ethoscope-node ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("ethoscope-node stopped")
}
