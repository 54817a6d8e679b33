// Package main bootstraps the worker that drains billing records from the
// Redis stream into the SQLite journal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oremus-labs/aip-weave/config"
	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/queue"
	"github.com/oremus-labs/aip-weave/internal/redisx"
	"github.com/oremus-labs/aip-weave/internal/store"
	"github.com/oremus-labs/aip-weave/internal/worker"
)

const workerVersion = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()
	if err := logutil.Configure(cfg.LogLevel); err != nil {
		log.Printf("invalid LOG_LEVEL %q, using info: %v", cfg.LogLevel, err)
	}
	defer logutil.Sync()

	if err := run(cfg); err != nil {
		logutil.Error("worker stopped", err, nil)
		logutil.Sync()
		os.Exit(1)
	}
	logutil.Info("worker exited cleanly", nil)
}

func run(cfg *config.Config) error {
	logger := logutil.Logger()
	logutil.Info("worker_bootstrap", map[string]interface{}{
		"version":       workerVersion,
		"redisAddr":     cfg.RedisAddr,
		"billingStream": cfg.BillingStream,
		"billingGroup":  cfg.BillingGroup,
	})
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required; without Redis the gateway journals billing events itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateStore, err := store.Open(cfg.DataStoreDSN, "sqlite")
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(redisx.FromConfig(cfg, "aip-weave-worker"))
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()

	host, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", host, os.Getpid())
	consumer := queue.NewConsumer(redisClient, cfg.BillingStream, cfg.BillingGroup, consumerName).
		WithBatch(cfg.WorkerBatchSize).
		WithBlock(cfg.WorkerBlock)
	if err := consumer.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	runner := worker.New(worker.Options{
		Source:  consumer,
		Journal: stateStore,
		Logger:  logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := runner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("worker metrics listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
