package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/diwise/integration-compression/internal/pkg/application"
	"github.com/diwise/integration-compression/internal/pkg/application/fiware"
	"github.com/diwise/integration-compression/internal/pkg/application/lwm2m"
	"github.com/diwise/integration-compression/internal/pkg/config"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/backend"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/memstore"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/mqtt"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/router"
)

const serviceName string = "integration-compression"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("COMPRESSION_CONFIG"), "path to an optional yaml configuration file")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("invalid command line")
	}

	cfg, err := config.Load(logger, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err = cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	store := newStore(cfg, logger)

	mirrors, closeMirrors := newMirrors(ctx, cfg, logger)
	defer closeMirrors()

	link := device.NewSerial(device.NewGrants(cfg.AuthorizedPorts()...))

	app := application.New(ctx, store, link,
		application.WithMirrors(mirrors...),
		application.WithUploadInterval(cfg.UploadInterval()),
		application.WithBaudRate(cfg.Device.BaudRate),
	)

	r := router.SetupRouter(chi.NewRouter(), app, logger)

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := r.Start(cfg.ServicePort); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-signalCtx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("controller did not shut down cleanly")
	}

	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server did not shut down cleanly")
	}
}

func newStore(cfg config.Config, logger zerolog.Logger) application.SessionStore {
	if cfg.BackendURL == "" {
		logger.Warn().Msg("no backend configured, sessions are kept in memory")
		return memstore.New()
	}

	logger.Info().Str("url", cfg.BackendURL).Msg("using remote session backend")
	return backend.New(cfg.BackendURL)
}

func newMirrors(ctx context.Context, cfg config.Config, logger zerolog.Logger) ([]application.Mirror, func()) {
	mirrors := []application.Mirror{}
	closers := []func(){}

	if cfg.Mirrors.ContextBrokerURL != "" {
		mirrors = append(mirrors, fiware.NewMirror(client.NewContextBrokerClient(cfg.Mirrors.ContextBrokerURL)))
		logger.Info().Str("url", cfg.Mirrors.ContextBrokerURL).Msg("mirroring readings to context broker")
	}

	if cfg.Mirrors.LwM2MURL != "" {
		mirrors = append(mirrors, lwm2m.NewMirror(cfg.Mirrors.LwM2MURL, lwm2m.Send))
		logger.Info().Str("url", cfg.Mirrors.LwM2MURL).Msg("mirroring readings as lwm2m objects")
	}

	if cfg.Mirrors.MQTTBroker != "" {
		publisher, err := mqtt.Connect(ctx, cfg.Mirrors.MQTTBroker, cfg.Mirrors.MQTTTopic)
		if err != nil {
			logger.Error().Err(err).Msg("mqtt mirror disabled")
		} else {
			mirrors = append(mirrors, publisher)
			closers = append(closers, publisher.Close)
		}
	}

	return mirrors, func() {
		for _, c := range closers {
			c()
		}
	}
}
