package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/elsanchez/pupiter/internal/automation"
	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/config"
	"github.com/elsanchez/pupiter/internal/cookies"
	"github.com/elsanchez/pupiter/internal/daemon"
	"github.com/elsanchez/pupiter/internal/driver"
	"github.com/elsanchez/pupiter/internal/driver/execdriver"
	"github.com/elsanchez/pupiter/internal/driver/memdriver"
	"github.com/elsanchez/pupiter/internal/ingest"
	"github.com/elsanchez/pupiter/internal/logging"
	"github.com/elsanchez/pupiter/internal/orchestrator"
	"github.com/elsanchez/pupiter/internal/profile"
	"github.com/elsanchez/pupiter/internal/queue"
	"github.com/elsanchez/pupiter/internal/ratelimit"
	"github.com/elsanchez/pupiter/internal/repository/sqlite"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

// automationDriver es lo que el daemon necesita de un backend
type automationDriver interface {
	driver.BrowserProfileDriver
	driver.PublishDriver
}

func main() {
	fs := pflag.NewFlagSet("pupiterd", pflag.ExitOnError)
	flags := config.RegisterFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("pupiterd v%s\n", version)
		return
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("pupiterd stopped")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	log := logging.Module(logger, "main")
	log.Infof("pupiterd v%s starting...", version)

	drv, err := newDriver(cfg, log)
	if err != nil {
		return err
	}

	// Inicializar base de datos
	db, err := sqlite.NewDatabase(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()
	log.WithField("data_dir", cfg.DataDir).Info("✓ Database initialized")

	clk := clock.Real()
	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:              cfg.MinDelay,
		MaxDelay:              cfg.MaxDelay,
		DefaultMaxPostsPerDay: cfg.MaxPostsPerDay,
	}, clk)
	profiles := profile.New(drv, logger)
	q := queue.New(queue.Config{
		RetryCeiling: cfg.RetryCeiling,
		RetryBase:    cfg.RetryBase,
		RetryCap:     cfg.RetryCap,
	}, clk, db.MediaRepo, logger)

	ctrlCfg := automation.DefaultConfig()
	ctrlCfg.FailureThreshold = cfg.FailureThreshold
	ctrlCfg.PublishTimeout = cfg.PublishTimeout

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Controller:    ctrlCfg,
	}, orchestrator.Deps{
		Clock:       clk,
		Limiter:     limiter,
		Profiles:    profiles,
		Queue:       q,
		Publisher:   drv,
		Accounts:    db.AccountRepo,
		Media:       db.MediaRepo,
		Credentials: cookies.NewCookieValidator(clk),
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	st := orch.Status()
	log.WithFields(logrus.Fields{"accounts": len(st.Accounts), "running": st.Running}).Info("✓ Accounts restored")

	server := daemon.NewServer(cfg.SocketPath, daemon.NewHandlers(orch), logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.WithField("socket", cfg.SocketPath).Info("✓ Server started")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.InboxDir != "" {
		poller := ingest.New(ingest.Config{
			Dir:      cfg.InboxDir,
			Interval: cfg.IngestInterval,
		}, orch, db.MediaRepo, clk, logger)
		g.Go(func() error { return poller.Run(gctx) })
		log.WithField("inbox", cfg.InboxDir).Info("✓ Inbox watcher started")
	}
	log.Info("pupiterd is ready")

	<-gctx.Done()
	log.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logging.LogError(log, "main", "run", "stop server", cfg.SocketPath, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logging.LogError(log, "main", "run", "shutdown", nil, err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newDriver(cfg config.Config, log logrus.FieldLogger) (automationDriver, error) {
	switch cfg.Driver {
	case config.DriverExec:
		d, err := execdriver.New(cfg.DriverCmd, cfg.PublishTimeout)
		if err != nil {
			return nil, err
		}
		// Verificar dependencias
		if err := d.CheckInstalled(); err != nil {
			return nil, fmt.Errorf("driver check failed: %w", err)
		}
		log.WithField("cmd", cfg.DriverCmd).Info("✓ Exec driver ready")
		return d, nil
	default:
		log.Warn("Using the simulated driver; nothing is published for real")
		return memdriver.New(), nil
	}
}
