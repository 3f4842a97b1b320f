// Command sluiced runs the Sluice broker: it wires configuration,
// logging, the core engine, and the transport listener together, then
// blocks until an interrupt or SIGTERM triggers graceful shutdown.
// Grounded on the teacher's main.go: automaxprocs for GOMAXPROCS
// tuning, a signal channel set up before anything starts, and a
// bounded-deadline shutdown on interrupt.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/heisenbergs-uncertainty/sluice/internal/broker"
	"github.com/heisenbergs-uncertainty/sluice/internal/config"
	"github.com/heisenbergs-uncertainty/sluice/internal/logging"
	"github.com/heisenbergs-uncertainty/sluice/internal/resourceguard"
	"github.com/heisenbergs-uncertainty/sluice/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SLUICE_LOG_LEVEL)")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	bootLogger := logging.New("info", "pretty")

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	b, err := broker.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open broker")
	}

	guard := resourceguard.New(resourceguard.Config{
		MaxSubscribesPerSec: cfg.MaxSubscribesPerSec,
		CPURejectThreshold:  cfg.CPURejectThreshold,
		SampleInterval:      cfg.ResourceSampleEvery,
	}, logger)
	guard.StartMonitoring(ctx)

	srv := transport.New(cfg.Addr(), transport.TLSConfig{
		Cert:     cfg.TLSCert,
		Key:      cfg.TLSKey,
		ClientCA: cfg.TLSClientCA,
	}, b, guard, logger)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve()
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("transport server exited unexpectedly")
		}
	}

	b.BeginShutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("transport shutdown did not complete within grace period")
	}

	cancelRun()

	if err := b.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing broker")
	}

	logger.Info().Msg("sluice stopped")
}
