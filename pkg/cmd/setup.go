// Package cmd provides common initialization for the marketflow binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridbee/marketflow/pkg/bookmarks"
	"github.com/gridbee/marketflow/pkg/channels/kafka"
	"github.com/gridbee/marketflow/pkg/config"
	"github.com/gridbee/marketflow/pkg/engine"
	"github.com/gridbee/marketflow/pkg/eventbus"
	"github.com/gridbee/marketflow/pkg/eventlog"
	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/handlers/apicall"
	"github.com/gridbee/marketflow/pkg/handlers/approval"
	"github.com/gridbee/marketflow/pkg/handlers/decision"
	"github.com/gridbee/marketflow/pkg/handlers/form"
	"github.com/gridbee/marketflow/pkg/handlers/manual"
	notificationhandler "github.com/gridbee/marketflow/pkg/handlers/notification"
	validationhandler "github.com/gridbee/marketflow/pkg/handlers/validation"
	"github.com/gridbee/marketflow/pkg/locks"
	"github.com/gridbee/marketflow/pkg/notifier"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/persistence/document"
	"github.com/gridbee/marketflow/pkg/persistence/postgres"
	"github.com/gridbee/marketflow/pkg/projection"
	"github.com/gridbee/marketflow/pkg/saga"
	"github.com/gridbee/marketflow/pkg/templates"
)

// NewPersistence wires the two-store aggregate. Without a database URL the
// document store carries the relational repositories too.
func NewPersistence(ctx context.Context, logger *slog.Logger, cfg config.Config) (persistence.Persistence, error) {
	documents := document.NewPersistence(cfg.DocumentStoreURL)

	if cfg.DatabaseURL == "" {
		return documents, nil
	}

	relational, err := postgres.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize relational store: %w", err)
	}

	return &persistence.Combined{Relational: relational, Documents: documents}, nil
}

// NewLocker selects the per-workflow locker: Redis when configured, otherwise
// the in-process mutex locker.
func NewLocker(cfg config.Config) (locks.Locker, error) {
	if cfg.RedisURL == "" {
		return locks.NewMutexLocker(), nil
	}

	return locks.NewRedisLocker(cfg.RedisURL)
}

// NewEventBus selects Kafka channels when brokers are configured, otherwise
// an in-memory gochannel pubsub that serves a single-process deployment.
func NewEventBus(logger *slog.Logger, cfg config.Config) (eventbus.EventBus, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	if cfg.KafkaBrokers == "" {
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermillLogger)

		return eventbus.NewBus(pubSub, pubSub, logger), nil
	}

	pub, sub, err := kafka.CreateChannel(watermillLogger, cfg.KafkaBrokers, "marketflow")
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka channels: %w", err)
	}

	return eventbus.NewBus(pub, sub, logger), nil
}

// NewTracer configures tracing when the environment names an OTLP endpoint
// (OTEL_EXPORTER_OTLP_ENDPOINT); otherwise tracing stays off and the engine
// records no spans. Returns the tracer and a shutdown hook for the provider.
func NewTracer(ctx context.Context, cfg config.Config) (trace.Tracer, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil, noop, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("marketflow"),
		),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to build trace resource: %w", err)
	}

	ratio := cfg.TraceSampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return provider.Tracer("marketflow/engine"), provider.Shutdown, nil
}

// NewHandlerRegistry registers the built-in step handlers. The registry is
// immutable after this call.
func NewHandlerRegistry(logger *slog.Logger, cfg config.Config, transport notifier.Transport) *handlers.Registry {
	registry := handlers.NewRegistry(logger)

	registry.Register("form", form.NewHandler())
	registry.Register("approval", approval.NewHandler())
	registry.Register("api_call", apicall.NewHandler(cfg.HandlerRetry))
	registry.Register("notification", notificationhandler.NewHandler(transport))
	registry.Register("validation", validationhandler.NewHandler())
	registry.Register("decision", decision.NewHandler())
	registry.Register("manual", manual.NewHandler())

	return registry
}

// Core bundles the assembled engine and its long-running collaborators.
type Core struct {
	Engine          *engine.Engine
	Templates       *templates.Registry
	Bookmarks       *bookmarks.Manager
	BookmarkSweeper *bookmarks.Sweeper
	Recovery        *projection.Recovery
	Validator       *validator.Validate
}

// NewCore assembles the full engine from configuration. tracer may be nil
// when tracing is disabled.
func NewCore(ctx context.Context, logger *slog.Logger, cfg config.Config, p persistence.Persistence, bus eventbus.EventBus, locker locks.Locker, transport notifier.Transport, tracer trace.Tracer) *Core {
	validate := validator.New()

	store := eventlog.NewStore(
		p.Events(), p.Snapshots(), locker, bus, logger,
		cfg.LockWaitTimeout, cfg.EventReplaySnapshotInterval)

	templateRegistry := templates.NewRegistry(p.Templates(), bus, validate, logger)
	handlerRegistry := NewHandlerRegistry(logger, cfg, transport)
	bookmarkManager := bookmarks.NewManager(p.Bookmarks(), logger, cfg.BookmarkDefaultExpiry)
	sagaCoordinator := saga.NewCoordinator(store, handlerRegistry, cfg.HandlerRetry, logger)
	projector := projection.NewProjector(store, p.States(), p.Index(), logger)
	recovery := projection.NewRecovery(store, p.States(), projector, bus, logger, cfg.ProjectionMaxLagEvents)

	eng := engine.New(
		p, store, templateRegistry, handlerRegistry, bookmarkManager,
		sagaCoordinator, projector, locker, validate, tracer, logger, cfg)

	sweeper := bookmarks.NewSweeper(bookmarkManager, eng.ExpireBookmark, logger)

	return &Core{
		Engine:          eng,
		Templates:       templateRegistry,
		Bookmarks:       bookmarkManager,
		BookmarkSweeper: sweeper,
		Recovery:        recovery,
		Validator:       validate,
	}
}
