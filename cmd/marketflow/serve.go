package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/gridbee/marketflow/pkg/cmd"
	"github.com/gridbee/marketflow/pkg/config"
	"github.com/gridbee/marketflow/pkg/log"
	"github.com/gridbee/marketflow/pkg/notifier"
	"github.com/gridbee/marketflow/pkg/web"
)

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the workflow engine and its HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   9090,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection URL for the relational store",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "document-store-url",
				Usage:   "Root of the document store (state, events, bookmarks)",
				Value:   "./data",
				Sources: cli.EnvVars("DOCUMENT_STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka brokers for engine notifications",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for distributed per-workflow locks",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.IntFlag{
				Name:    "snapshot-interval",
				Usage:   "Take a replay snapshot every N events (0 disables)",
				Value:   0,
				Sources: cli.EnvVars("MARKETFLOW_SNAPSHOT_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "projection-max-lag",
				Usage:   "Projection lag threshold in events before reprojection",
				Value:   1,
				Sources: cli.EnvVars("MARKETFLOW_PROJECTION_MAX_LAG"),
			},
			&cli.DurationFlag{
				Name:    "step-timeout",
				Usage:   "Default step start-to-close timeout",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("MARKETFLOW_STEP_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "bookmark-expiry",
				Usage:   "Default bookmark expiry",
				Value:   30 * 24 * time.Hour,
				Sources: cli.EnvVars("MARKETFLOW_BOOKMARK_EXPIRY"),
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("serve")
	logger.InfoContext(ctx, "Initializing marketflow engine")

	cfg := config.Defaults()
	cfg.Port = int(command.Int("port"))
	cfg.DatabaseURL = command.String("database-url")
	cfg.DocumentStoreURL = command.String("document-store-url")
	cfg.KafkaBrokers = command.String("kafka-brokers")
	cfg.RedisURL = command.String("redis-url")
	cfg.LogLevel = command.String("log-level")
	cfg.EventReplaySnapshotInterval = int64(command.Int("snapshot-interval"))
	cfg.ProjectionMaxLagEvents = int64(command.Int("projection-max-lag"))
	cfg.StepStartToCloseTimeout = command.Duration("step-timeout")
	cfg.BookmarkDefaultExpiry = command.Duration("bookmark-expiry")

	p, err := cmd.NewPersistence(ctx, logger, cfg)
	if err != nil {
		return err
	}

	defer func() {
		err := p.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(logger, cfg)
	if err != nil {
		return err
	}

	defer func() {
		err := bus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	locker, err := cmd.NewLocker(cfg)
	if err != nil {
		return err
	}

	tracer, shutdownTracing, err := cmd.NewTracer(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		err := shutdownTracing(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to shut down tracing", "error", err)
		}
	}()

	core := cmd.NewCore(ctx, logger, cfg, p, bus, locker, notifier.Noop{}, tracer)

	core.Templates.SubscribeRefresh(bus)
	core.Recovery.SubscribeCatchUp(bus)

	err = bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	// Re-issue any step left open by a previous crash before serving.
	err = core.Engine.RecoverOpenSteps(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "startup recovery failed", "error", err)
	}

	err = core.BookmarkSweeper.Start(ctx, "@every 1m")
	if err != nil {
		return err
	}

	defer core.BookmarkSweeper.Stop()

	err = core.Recovery.Start(ctx, "@every 1m")
	if err != nil {
		return err
	}

	defer core.Recovery.Stop()

	app := fiber.New(fiber.Config{AppName: "marketflow"})

	handlers := web.NewAPIHandlers(core.Engine, core.Templates, core.Validator)
	handlers.Register(app)

	logger.InfoContext(ctx, "Starting API server", "port", cfg.Port)

	return app.Listen(fmt.Sprintf(":%d", cfg.Port))
}
