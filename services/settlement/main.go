package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Store reúne os repositórios usados pelo serviço (Postgres ou memória)
type Store interface {
	OrderRepository
	ProductRepository
	AuditRepository
	Seeder
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	if cfg.OTelEnabled {
		tp, err := initTracer(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Printf("Error shutting down tracer: %v", err)
			}
		}()

		mp, err := initMetrics(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize metrics: %v", err)
		}
		defer func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				log.Printf("Error shutting down meter: %v", err)
			}
		}()
	}

	// Initialize storage
	store, closeStore, err := initStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer closeStore()

	if cfg.SeedFile != "" {
		if err := LoadSeedFile(context.Background(), store, cfg.SeedFile); err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
	}

	deliveryLock, closeLock := initDeliveryLock(cfg)
	defer closeLock()

	// Initialize dependencies
	tracer := otel.Tracer(cfg.ServiceName)
	metrics, err := NewMetrics(otel.Meter(cfg.ServiceName))
	if err != nil {
		log.Fatalf("Failed to initialize counters: %v", err)
	}

	audit := NewAuditLogger(store)
	inventory := NewInventoryUseCase(store, audit, metrics, tracer)
	settlement := NewSettlementUseCase(store, inventory, audit, tracer)

	var mailer Mailer = LogMailer{}
	if cfg.Mailer.APIURL != "" {
		mailer = NewHTTPMailer(cfg.Mailer)
	}
	notifier := NewNotificationDispatcher(mailer, store, audit, metrics, tracer, cfg.Notifier)
	defer notifier.Close()

	verifier := NewGatewayVerifier(cfg.Gateway, tracer)
	webhook := NewWebhookUseCase(
		verifier,
		FallbackPolicy{Enabled: cfg.FallbackEnabled},
		settlement,
		notifier,
		deliveryLock,
		audit,
		metrics,
		tracer,
	)
	handler := NewSettlementHandler(webhook, store, notifier, tracer)

	// Setup Gin router
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		log.Printf("🚀 Settlement Service listening on port %s | Storage=%s | Notifications=%s | Fallback=%t",
			cfg.Port, cfg.StorageDriver, cfg.Notifier.Mode, cfg.FallbackEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("⏳ Shutting down settlement service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}
}

func initStore(cfg Config) (Store, func(), error) {
	switch cfg.StorageDriver {
	case "memory":
		log.Println("⚠️  Using in-memory storage, data is lost on restart")
		return NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := DatabaseDSN()
		if err := RunMigrations(dsn, cfg.MigrationsPath); err != nil {
			return nil, nil, err
		}
		pool, err := initDB(dsn)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresRepository(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func initDB(dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Println("✅ Connected to settlement database with connection pool")
			return pool, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initDeliveryLock(cfg Config) (DeliveryLock, func()) {
	if cfg.RedisAddr == "" {
		return NoopDeliveryLock{}, func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Printf("⚠️  Redis at %s not reachable yet, delivery lock will fail open: %v", cfg.RedisAddr, err)
	} else {
		log.Printf("✅ Connected to redis at %s", cfg.RedisAddr)
	}

	return NewRedisDeliveryLock(client, cfg.DeliveryLockTTL), func() { client.Close() }
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
}

func initTracer(cfg Config) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTelEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(cfg Config) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTelEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}
