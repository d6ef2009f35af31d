// NewApp wires the daemon's subsystems into an fx.App, generalizing the
// teacher's cmd/fx.go NewApp(cfg *config.Config) *fx.App from its
// postgres/service/grpc Module set to the router's own registry, router
// service, lifecycle supervisor, diagnostics, export, and admin HTTP
// surface.
package cmd

import (
	"context"
	"net/http"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"

	"github.com/nogipx/rpcmesh/config"
	"github.com/nogipx/rpcmesh/internal/adminhttp"
	"github.com/nogipx/rpcmesh/internal/diagnostics"
	"github.com/nogipx/rpcmesh/internal/export"
	"github.com/nogipx/rpcmesh/internal/lifecycle"
	"github.com/nogipx/rpcmesh/internal/registry"
)

func provideMeterProvider(lc fx.Lifecycle) *sdkmetric.MeterProvider {
	mp := sdkmetric.NewMeterProvider()
	lc.Append(fx.Hook{OnStop: mp.Shutdown})
	return mp
}

// provideExporter builds the RouterEvent fan-out exporter: a watermill AMQP
// publisher bound to cfg.ExportAMQPExchange when cfg.ExportAMQPURL is set
// (generalizing the teacher's amqp/module.go PublisherProvider.Build, which
// wires the same message.Publisher seam onto its own broker config), or
// export.Noop when no broker is configured (§9's export is optional).
func provideExporter(cfg *config.Config, logger *appLogger, lc fx.Lifecycle) (export.Exporter, error) {
	if cfg.ExportAMQPURL == "" {
		return export.Noop, nil
	}
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.ExportAMQPURL, nil)
	amqpConfig.Exchange.GenerateName = func(string) string { return cfg.ExportAMQPExchange }
	publisher, err := amqp.NewPublisher(amqpConfig, watermill.NewSlogLogger(logger.Logger))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return publisher.Close() }})
	return export.New(publisher, logger.Logger), nil
}

func provideTap(logger *appLogger, mp *sdkmetric.MeterProvider, exporter export.Exporter) (diagnostics.Tap, error) {
	tap, err := diagnostics.New(logger.Logger, mp.Meter(ServiceName))
	if err != nil {
		return nil, err
	}
	return &export.TappedExporter{Tap: tap, Exporter: exporter, Logger: logger.Logger}, nil
}

func provideDirectory(cfg *config.Config, logger *appLogger, tap diagnostics.Tap) *registry.Directory {
	return registry.New(
		registry.WithMailboxSize(cfg.ClientMailboxSize),
		registry.WithEvictionInterval(cfg.HeartbeatReapInterval),
		registry.WithIdleTimeout(cfg.ClientIdleTimeout),
		registry.WithPendingReapInterval(cfg.PendingReapInterval),
		registry.WithLogger(logger.Logger),
		registry.WithTap(tap),
	)
}

func provideSupervisor(cfg *config.Config, logger *appLogger, dir *registry.Directory) *lifecycle.Supervisor {
	return lifecycle.New(dir, logger.Logger, cfg.DrainTimeout)
}

func provideAdminServer(dir *registry.Directory) *http.Server {
	admin := adminhttp.New(dir, version)
	return &http.Server{Handler: admin.Routes()}
}

func provideRuntime(cfg *config.Config, logger *appLogger, dir *registry.Directory, sup *lifecycle.Supervisor, adminSrv *http.Server) *runtime {
	return newRuntime(cfg, logger.Logger, dir, sup, adminSrv)
}

func registerLifecycle(lc fx.Lifecycle, rt *runtime) {
	lc.Append(fx.Hook{OnStart: rt.start, OnStop: rt.stop})
}

// NewApp builds the fx.App for the server subcommand. cfg and logger are
// supplied as already-constructed values (flags/env are resolved before
// this point), matching the teacher's fx.Provide(func() *config.Config {
// return cfg }, ...) pattern.
func NewApp(cfg *config.Config, logger *appLogger) (*fx.App, error) {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *appLogger { return logger },
			provideMeterProvider,
			provideExporter,
			provideTap,
			provideDirectory,
			provideSupervisor,
			provideAdminServer,
			provideRuntime,
		),
		fx.Invoke(registerLifecycle),
		fx.NopLogger,
	), nil
}
