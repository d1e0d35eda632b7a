// Command assistant runs the Sidekick daemon: the HTTP API, the run
// orchestration engine, the approval coordinator, and the reminder scheduler.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/sidekick/internal/api"
	"github.com/antigravity-dev/sidekick/internal/approval"
	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/config"
	"github.com/antigravity-dev/sidekick/internal/engine"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/memoryint"
	"github.com/antigravity-dev/sidekick/internal/scheduler"
	"github.com/antigravity-dev/sidekick/internal/semantic"
	"github.com/antigravity-dev/sidekick/internal/skills"
	"github.com/antigravity-dev/sidekick/internal/store"
)

const approvalPollInterval = 500 * time.Millisecond

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "sidekick.toml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file (missing file is fine)")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	// .env feeds the config overlay; a missing file is not an error.
	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		slog.Error("failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)
	logger.Info("sidekick starting", "config", *configPath, "data_dir", cfg.General.DataDir)

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.General.DataDir, "error", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.General.DataDir, "sidekick.db")
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.New(st, logger)

	local := brain.NewLocalProvider(cfg.LLM.LocalBaseURL, cfg.General.DataDir,
		cfg.LLM.LocalTimeout.Duration, logger)
	cloud := brain.NewCloudProvider(cfg.LLM.CloudBaseURL, cfg.LLM.CloudAPIKey,
		cfg.LLM.MaxRetries, cfg.LLM.BackoffBase.Duration, cfg.LLM.CloudTimeout.Duration, logger)
	router := brain.NewRouter(brain.Options{
		LocalChatModel:    cfg.LLM.LocalChatModel,
		LocalCodeModel:    cfg.LLM.LocalCodeModel,
		CloudModel:        cfg.LLM.CloudModel,
		CloudEnabled:      cfg.LLM.CloudEnabled,
		AutoCloudEnabled:  cfg.LLM.AutoCloudEnabled,
		MaxConcurrency:    cfg.LLM.MaxConcurrency,
		BudgetPerRun:      cfg.LLM.BudgetPerRun,
		BudgetPerStep:     cfg.LLM.BudgetPerStep,
		MaxCloudChars:     cfg.LLM.MaxCloudChars,
		MaxCloudItemChars: cfg.LLM.MaxCloudItemChars,
		QAMode:            cfg.General.QAMode,
	}, local, cloud, bus, logger)

	classifier, err := semantic.NewClassifier(router, logger)
	if err != nil {
		logger.Error("failed to create classifier", "error", err)
		os.Exit(1)
	}
	interpreter, err := memoryint.NewInterpreter(router, logger)
	if err != nil {
		logger.Error("failed to create memory interpreter", "error", err)
		os.Exit(1)
	}

	registry, err := skills.DefaultRegistry(logger)
	if err != nil {
		logger.Error("failed to build skill registry", "error", err)
		os.Exit(1)
	}
	runner := skills.NewRunner(registry, logger)
	approvals := approval.New(st, bus, approvalPollInterval, logger)

	eng := engine.New(st, bus, router, classifier, interpreter, runner, approvals, nil, nil,
		engine.Options{
			MemoryMaxChars:  cfg.Memory.MaxChars,
			MicroStepLimit:  cfg.Executor.MicroStepLimit,
			AutopilotBudget: int(cfg.Executor.AutopilotTimeout.Duration / time.Second),
			Location:        cfg.Location(),
		}, logger)

	apiSrv := api.NewServer(cfg, st, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiSrv.Start(gctx) })
	if cfg.Reminders.Enabled {
		g.Go(func() error {
			scheduler.New(cfg, st, bus, logger).Run(gctx)
			return nil
		})
	}

	logger.Info("sidekick running",
		"bind", cfg.API.Bind,
		"qa_mode", cfg.General.QAMode,
		"reminders", cfg.Reminders.Enabled,
	)

	if err := g.Wait(); err != nil {
		logger.Error("sidekick stopped with error", "error", err)
		eng.Wait()
		os.Exit(1)
	}
	logger.Info("waiting for active runs to settle")
	eng.Wait()
	logger.Info("sidekick stopped")
}
