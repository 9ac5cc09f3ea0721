package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trellis/cmd/server/config"
	httpapi "trellis/internal/adapters/http"
	ordersdb "trellis/internal/db/orders"
	sagadb "trellis/internal/db/saga"
	"trellis/internal/observability"
	"trellis/internal/orders"
	"trellis/internal/realtime"
	"trellis/internal/reliability"
	"trellis/internal/saga"
	"trellis/internal/telemetry"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	ordersCfg, err := config.LoadOrders()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	relCfg, err := reliability.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	reviewPolicy, err := orders.ParseReviewTimeoutPolicy(ordersCfg.ReviewTimeoutPolicy)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stderr, serverCfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, "trellis")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("flush traces: %v", err)
		}
	}()

	metrics := observability.NewMetrics()

	var faults orders.FailureInjector
	if ordersCfg.FailureRate > 0 {
		faults = orders.NewRandomFailures(ordersCfg.FailureRate, ordersCfg.FailureSeed)
		logger.Warn("transient ledger failures enabled", "rate", ordersCfg.FailureRate)
	}
	ledger, cleanupLedger := ordersdb.BuildLedger(ctx, serverCfg.DatabaseURL, faults, log.Printf)
	defer cleanupLedger()

	journal, err := sagadb.Open(ctx, serverCfg.JournalPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Printf("close journal: %v", err)
		}
	}()

	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:  relCfg.BreakerMaxFailures,
		ResetTimeout: relCfg.BreakerResetTimeout,
	})
	statusStore, cleanupStatus, err := buildStatusStore(ctx, redisCfg, breaker)
	if err != nil {
		return err
	}
	defer cleanupStatus()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := realtime.NewHub(logger)
	go hub.Run(hubCtx)

	publishers := []realtime.Publisher{hub}
	if statusStore != nil {
		publishers = append(publishers, statusStore)
	}
	fanout := realtime.NewShardedFanout(logger, 4, 1024, publishers...)
	metrics.TrackDroppedUpdates(fanout.Dropped)

	engine := saga.New(saga.Options{
		Journal:        journal,
		Logger:         logger,
		ActivityPolicy: relCfg.Activity,
		Hooks:          metrics.SagaHooks(fanout.OnUpdate),
	})
	if err := orders.Register(engine, orders.WorkflowConfig{
		Ledger:              ledger,
		ReviewTimeout:       ordersCfg.ReviewTimeout,
		ReviewTimeoutPolicy: reviewPolicy,
	}); err != nil {
		return err
	}
	service := orders.NewService(engine, ledger, orders.WithExecutionTimeout(ordersCfg.ExecutionTimeout))

	var ready atomic.Bool
	limiter := reliability.NewRateLimiter(relCfg.RateLimitInterval, relCfg.RateLimitBurst, metrics.AddRateLimitWait)
	router := httpapi.NewRouter(httpapi.NewHandler(service, logger), httpapi.RouterConfig{
		Logger:   logger,
		Metrics:  metrics,
		Limiter:  limiter,
		Ready:    ready.Load,
		Realtime: hub,
	})
	httpSrv := &http.Server{
		Addr:              serverCfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, healthServer := newGRPCServer(metrics, logger, serverCfg.AppEnv != "production")
	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- grpcSrv.Serve(lis)
	}()

	recovered, err := engine.Recover(ctx)
	if err != nil {
		return err
	}
	ready.Store(true)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info("trellis ready",
		"http_addr", serverCfg.HTTPAddr,
		"grpc_addr", serverCfg.GRPCAddr,
		"recovered_sagas", recovered,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	ready.Store(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.MarkShutdown(int64(engine.Active()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	grpcSrv.GracefulStop()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("saga engine shutdown", "err", err)
	}
	if err := fanout.Close(shutdownCtx); err != nil {
		logger.Warn("status fanout shutdown", "err", err)
	}
	return runErr
}
