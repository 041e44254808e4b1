package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/config"
	"github.com/austindbirch/claimrelay/internal/db"
	"github.com/austindbirch/claimrelay/internal/deadletter"
	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/evaluation"
	"github.com/austindbirch/claimrelay/internal/health"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
	"github.com/austindbirch/claimrelay/internal/processing"
	"github.com/austindbirch/claimrelay/internal/queue"
	"github.com/austindbirch/claimrelay/internal/status"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

const serviceName = "claimrelay-worker"

func deliveryPolicy(cfg config.Delivery) delivery.Policy {
	p := delivery.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	return p
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

func ttlPolicy(cfg config.Delivery) status.TTLPolicy {
	p := status.DefaultTTLPolicy()
	if cfg.DeliveredTTL > 0 {
		p.Delivered = cfg.DeliveredTTL
	}
	if cfg.RetainTTL > 0 {
		p.Retain = cfg.RetainTTL
	}
	return p
}

func topics(cfg config.NSQ) []string {
	return []string{cfg.ProcessingTopic, cfg.DeliveryTopic, cfg.DeadLetterTopic}
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

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

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	breakers := circuit.NewRegistry(circuitSettings(cfg.Circuit))
	store := status.NewRedisStore(rdb, ttlPolicy(cfg.Delivery))
	leases := status.NewLeaser(rdb, cfg.Delivery.LeaseTTL)

	client := delivery.NewClient(breakers, delivery.ClientOptions{
		ConnectTimeout: cfg.Delivery.ConnectTimeout,
		ReadTimeout:    cfg.Delivery.ReadTimeout,
		SigningSecret:  cfg.Delivery.SigningSecret,
	})
	worker := delivery.NewWorker(store, leases, client, prod, deliveryPolicy(cfg.Delivery),
		delivery.Topics{Delivery: cfg.NSQ.DeliveryTopic, DeadLetter: cfg.NSQ.DeadLetterTopic}, logger)
	executor := processing.NewExecutor(evaluation.NewPipelineFromConfig(cfg.Evaluation, breakers),
		store, prod, cfg.NSQ.DeliveryTopic, logger)
	dlConsumer := deadletter.NewConsumer(deadLetters, logger)

	handlers := []struct {
		topic string
		h     nsq.Handler
	}{
		{cfg.NSQ.ProcessingTopic, executor},
		{cfg.NSQ.DeliveryTopic, worker},
		{cfg.NSQ.DeadLetterTopic, dlConsumer},
	}
	var consumers []*nsq.Consumer
	for _, h := range handlers {
		c, err := queue.Subscribe(cfg.NSQ, h.topic, cfg.NSQ.Concurrency, h.h)
		if err != nil {
			logger.Plain().WithError(err).WithField("topic", h.topic).Fatal("nsq subscribe failed")
		}
		consumers = append(consumers, c)
	}

	go status.NewWatchdog(store, leases, cfg.Delivery.StaleAfter, cfg.Delivery.WatchdogInterval).Run(ctx)
	monitor := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.StatsInterval, topics(cfg.NSQ)...)
	go monitor.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(
		health.Redis(rdb),
		health.Postgres(pool),
		health.NSQ(monitor.Ping),
	))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"topics":      topics(cfg.NSQ),
		"channel":     cfg.NSQ.Channel,
		"concurrency": cfg.NSQ.Concurrency,
	}).Info("worker service started")

	<-ctx.Done()
	logger.Plain().Info("shutting down worker service")
	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		<-c.StopChan
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
