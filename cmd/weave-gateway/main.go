// Package main is the entry point for the weave gateway service.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oremus-labs/aip-weave/config"
	"github.com/oremus-labs/aip-weave/internal/api"
	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/handlers"
	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/queue"
	"github.com/oremus-labs/aip-weave/internal/redisx"
	"github.com/oremus-labs/aip-weave/internal/signals"
	"github.com/oremus-labs/aip-weave/internal/store"
	"github.com/oremus-labs/aip-weave/internal/weave"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()
	if err := logutil.Configure(cfg.LogLevel); err != nil {
		log.Printf("invalid LOG_LEVEL %q, using info: %v", cfg.LogLevel, err)
	}
	defer logutil.Sync()

	if err := run(cfg); err != nil {
		logutil.Error("gateway stopped", err, nil)
		logutil.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logutil.Logger()
	logutil.Info("gateway_bootstrap", map[string]interface{}{
		"version":     version,
		"operatorUrl": cfg.OperatorURL,
		"platformId":  cfg.PlatformID,
		"redisAddr":   cfg.RedisAddr,
		"datastore":   cfg.DataStoreDSN,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateStore, err := store.Open(cfg.DataStoreDSN, "sqlite")
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(redisx.FromConfig(cfg, "aip-weave-gateway"))
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// With Redis, billing records go through the stream and the worker
	// journals them; without it the gateway writes the journal itself.
	var recorder billing.Recorder = stateStore
	if redisClient != nil {
		recorder = queue.NewProducer(redisClient, cfg.BillingStream)
	}

	bus := signals.NewBus(signals.Options{
		Client:  redisClient,
		Logger:  logger,
		Channel: cfg.EventsChannel,
	})
	defer bus.Close()

	registry := weave.NewRegistry(weave.Config{
		OperatorURL:    cfg.OperatorURL,
		OperatorAPIKey: cfg.OperatorAPIKey,
		PlatformID:     cfg.PlatformID,
		DefaultLocale:  cfg.DefaultLocale,
		Timeout:        cfg.OperatorTimeout,
		Theme:          cfg.Theme,
		Initial:        billing.PlatformRequest{Geo: cfg.DefaultGeo},
	}, weave.Deps{
		Recorder: recorder,
		Bus:      bus,
		History:  stateStore,
		Logger:   logger,
	})
	defer registry.Close()

	if cfg.SessionID != "" {
		if _, err := registry.Create(ctx, weave.Config{SessionID: cfg.SessionID}); err != nil {
			return fmt.Errorf("create session %s: %w", cfg.SessionID, err)
		}
	}

	handler := handlers.New(registry, stateStore, handlers.Options{})
	server := api.NewServer(handler, api.Options{APIToken: cfg.APIToken}).HTTPServer(":" + cfg.ServerPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down gateway")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
