package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/extgov/fleet"
	"github.com/toolink/extgov/governor"
	"github.com/toolink/extgov/notify"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governor with gRPC health and Prometheus endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

// serve blocks until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	if n, err := a.manager.CleanupStaging(a.cfg.StagingMaxAge); err != nil {
		log.Warn().Err(err).Msg("staging cleanup incomplete")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("stale staging entries removed")
	}

	a.governor.Start()
	defer a.governor.Stop()

	lis, err := net.Listen("tcp", a.cfg.Serve.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Serve.GRPCAddr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, a.catalog.Server())
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	defer srv.GracefulStop()
	log.Info().Str("addr", lis.Addr().String()).Msg("grpc health service listening")

	metrics := a.metricsServer()
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		metrics.Shutdown(sctx)
	}()
	log.Info().Str("addr", a.cfg.Serve.MetricsAddr).Msg("metrics endpoint listening")

	if a.cfg.Serve.Announce {
		withdraw, err := a.announce(ctx, lis.Addr())
		if err != nil {
			return err
		}
		defer withdraw()
	}

	sub, err := a.broker.Subscribe(0, lifecycleKinds...)
	if err != nil {
		return err
	}
	defer sub.Close()
	if a.cfg.Notify.Redis {
		consumer := notify.NewRedisConsumer(a.rdb, a.broker, notify.WithList(a.cfg.Notify.List))
		consumer.Start()
		defer consumer.Stop()
	}

	a.watch(ctx, sub.C)
	log.Info().Msg("shutting down")
	return nil
}

// lifecycleKinds are the events after which the catalog is re-read.
var lifecycleKinds = []notify.Kind{
	notify.KindInstallCompleted,
	notify.KindUpdateCompleted,
	notify.KindUpdateFailed,
	notify.KindRollbackCompleted,
	notify.KindRollbackFailed,
	notify.KindUninstallCompleted,
	notify.KindEnabled,
}

// watch re-reads the catalog whenever a lifecycle event arrives and on
// every sweep interval, so operations run by other processes reach this
// host's governor and health service.
func (a *app) watch(ctx context.Context, events <-chan notify.Event) {
	ticker := time.NewTicker(a.cfg.Governor.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debug().Str("event", string(e.Kind)).Str("extension", e.ExtensionID).Msg("lifecycle event, resyncing")
		case <-ticker.C:
		}
		if err := a.resync(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("resync failed")
		}
	}
}

func (a *app) metricsServer() *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		governor.NewCollector(metricsNamespace, a.governor),
		a.events,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: a.cfg.Serve.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// announce registers this process in the host fleet until the returned
// function is called.
func (a *app) announce(ctx context.Context, addr net.Addr) (func(), error) {
	registry, err := fleet.NewRegistry(ctx, a.rdb)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	advertise := a.cfg.Serve.Advertise
	if advertise == "" {
		_, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			registry.Close()
			return nil, err
		}
		advertise = net.JoinHostPort(hostname, port)
	}

	withdraw, err := registry.Announce(ctx, fleet.Host{
		ID:        uuid.NewString(),
		Address:   advertise,
		HostAPI:   a.cfg.HostAPI,
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		registry.Close()
		return nil, err
	}
	return func() {
		wctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := withdraw(wctx); err != nil {
			log.Warn().Err(err).Msg("fleet withdraw failed")
		}
		registry.Close()
	}, nil
}
