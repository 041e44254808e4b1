package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/claimrelay/internal/admin"
	"github.com/austindbirch/claimrelay/internal/auth"
	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/config"
	"github.com/austindbirch/claimrelay/internal/db"
	"github.com/austindbirch/claimrelay/internal/deadletter"
	"github.com/austindbirch/claimrelay/internal/evaluation"
	"github.com/austindbirch/claimrelay/internal/health"
	"github.com/austindbirch/claimrelay/internal/ingest"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
	"github.com/austindbirch/claimrelay/internal/processing"
	"github.com/austindbirch/claimrelay/internal/queue"
	"github.com/austindbirch/claimrelay/internal/status"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

const (
	serviceName         = "claimrelay-ingest"
	healthProbeInterval = 10 * time.Second
)

// newValidator returns nil when no public key is configured, leaving admin routes open
func newValidator(cfg config.Auth) (*auth.JWTValidator, error) {
	if cfg.PublicKeyPEM == "" {
		return nil, nil
	}
	return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
}

func circuitSettings(cfg config.Circuit) circuit.Settings {
	s := circuit.DefaultSettings()
	if cfg.FailureThreshold > 0 {
		s.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.ResetTimeout > 0 {
		s.ResetTimeout = cfg.ResetTimeout
	}
	return s
}

// watchHealth mirrors the dependency checks into the gRPC health service
func watchHealth(ctx context.Context, hs *grpc_health.Server, interval time.Duration, checks ...health.Check) {
	probe := func() {
		st := health.Run(ctx, time.Second, checks...)
		if st.OK {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			return
		}
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	gin.SetMode(gin.ReleaseMode)

	shutdown, err := tracing.InitTracing(ctx, serviceName, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	rdb, err := db.ConnectRedis(ctx, cfg.Redis, db.DefaultRetry)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis connect failed")
	}
	defer rdb.Close()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, db.DefaultRetry)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	deadLetters := deadletter.NewPGStore(pool)
	if err := deadLetters.EnsureSchema(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("dead letter schema failed")
	}

	prod, err := queue.NewProducer(cfg.NSQ)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	validator, err := newValidator(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid AUTH_PUBLIC_KEY")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	breakers := circuit.NewRegistry(circuitSettings(cfg.Circuit))
	store := status.NewRedisStore(rdb, status.TTLPolicy{Delivered: cfg.Delivery.DeliveredTTL, Retain: cfg.Delivery.RetainTTL})
	submitter := processing.NewSubmitter(store, prod, cfg.NSQ.ProcessingTopic)
	adm := admin.New(store, deadLetters, breakers, prod, cfg.NSQ.DeliveryTopic)
	monitor := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.StatsInterval)
	checks := []health.Check{health.Redis(rdb), health.Postgres(pool), health.NSQ(monitor.Ping)}

	srv := ingest.NewServer(submitter, evaluation.NewPipelineFromConfig(cfg.Evaluation, breakers), adm, ingest.Options{
		Auth:    validator,
		Health:  health.HTTPHandler(checks...),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go watchHealth(ctx, hs, healthProbeInterval, checks...)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: srv.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":        cfg.HTTPPort,
			"admin_auth":  validator != nil,
			"local_rules": cfg.Evaluation.EvaluatorURL == "",
		}).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	hs.Shutdown()
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingest stopped")
}
