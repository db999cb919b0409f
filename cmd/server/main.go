package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	httpapi "github.com/escrow-hub/escrow-hub/internal/api/http"
	"github.com/escrow-hub/escrow-hub/internal/application/escrow"
	"github.com/escrow-hub/escrow-hub/internal/application/policy"
	"github.com/escrow-hub/escrow-hub/internal/application/projector"
	"github.com/escrow-hub/escrow-hub/internal/application/registry"
	"github.com/escrow-hub/escrow-hub/internal/application/workflow"
	"github.com/escrow-hub/escrow-hub/internal/config"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/kafka"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/keystore"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/metrics"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/postgres"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/sse"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
	"github.com/escrow-hub/escrow-hub/internal/ledger/contract"
	"github.com/escrow-hub/escrow-hub/internal/ledger/memory"
	"github.com/escrow-hub/escrow-hub/internal/ledger/remote"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	// ledger backend
	var client ledger.Client
	switch cfg.LedgerMode {
	case config.LedgerModeRemote:
		client = remote.NewClient(remote.Config{
			BaseURL:         cfg.LedgerURL,
			ConfirmAttempts: cfg.ConfirmAttempts,
			ConfirmDelay:    cfg.ConfirmDelay,
		}, logger)
	default:
		threshold := contract.DefaultThreshold
		if cfg.ThresholdExpression != "" {
			compiled, err := policy.CompileThreshold(cfg.ThresholdExpression)
			if err != nil {
				log.Fatalf("threshold expression error: %v", err)
			}
			threshold = compiled
		}
		machine := contract.NewMachine(contract.Config{
			TokenDecimals: cfg.TokenDecimals,
			IssuanceFee:   cfg.IssuanceFee,
			Admin:         cfg.AdminAddress,
			Threshold:     threshold,
		})
		client = memory.NewClient(machine)
	}

	// infrastructure
	escrowMetrics := metrics.New(prometheus.DefaultRegisterer)
	sseHub := sse.NewHub(escrowMetrics)
	keyStore, err := keystore.NewFromEnv()
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}

	// event sinks
	sinks := []projector.Sink{sseHub}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	if cfg.PostgresDSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("event archive error: %v", err)
		}
		defer pool.Close()
		archive := postgres.NewEventArchive(pool, logger)
		if err := archive.EnsureSchema(ctx); err != nil {
			log.Fatalf("event archive schema error: %v", err)
		}
		sinks = append(sinks, archive)
	}

	// services
	readSvc := registry.NewService(client, escrowMetrics, registry.Config{
		CacheTTL:  cfg.CacheTTL,
		BatchSize: cfg.BatchSize,
	}, logger)
	commandSvc := workflow.NewService(client, readSvc, escrowMetrics, logger)
	projectorSvc := projector.NewService(client, escrowMetrics, logger, sinks...)
	escrowSvc := escrow.NewService(readSvc, commandSvc, projectorSvc, logger)

	// API server
	apiServer := httpapi.NewServer(escrowSvc, keyStore, sseHub, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	projectorCtx, stopProjector := context.WithCancel(context.Background())
	defer stopProjector()
	go projectorSvc.Run(projectorCtx, cfg.ProjectorInterval)

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("ledger_mode", cfg.LedgerMode).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stopProjector()
	sseHub.Stop()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
