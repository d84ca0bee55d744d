// SPDX-License-Identifier: AGPL-3.0-or-later
// openDAQ Native Streaming - TCP pub/sub middleware protocol for openDAQ
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/opendaq/native-streaming/internal/config"
	"github.com/opendaq/native-streaming/internal/instance"
	"github.com/opendaq/native-streaming/internal/kv"
	"github.com/opendaq/native-streaming/internal/metrics"
	"github.com/opendaq/native-streaming/internal/pprof"
	"github.com/opendaq/native-streaming/internal/pubsub"
	"github.com/opendaq/native-streaming/internal/queue"
	"github.com/opendaq/native-streaming/internal/streaming"
	"github.com/opendaq/native-streaming/internal/streaming/client"
	"github.com/opendaq/native-streaming/internal/streaming/pump"
	"github.com/opendaq/native-streaming/internal/streaming/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "native-streaming",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("native-streaming - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scheduler, err := setupScheduler()
	if err != nil {
		return err
	}

	cleanup, err := setupTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			slog.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	startBackgroundServices(ctx, cfg)

	kvStore, err := kv.MakeKV(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to key-value store: %w", err)
	}

	pubsubClient, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to pubsub: %w", err)
	}

	rt, err := initializeRuntime(cfg, kvStore, pubsubClient)
	if err != nil {
		return err
	}
	defer rt.shutdown(ctx)

	setupReapJob(scheduler, cfg, rt)
	scheduler.Start()

	setupShutdownHandlers(ctx, scheduler, rt, pubsubClient, cleanup)

	return nil
}

// loadConfig loads the configuration from context.
func loadConfig(ctx context.Context) (*config.Config, error) {
	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.LoadWithoutValidation()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// setupLogger configures the structured logger.
func setupLogger(cfg *config.Config) {
	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		// Fall back to info level for unrecognized log levels to prevent nil logger panic.
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// setupScheduler creates and configures the job scheduler.
func setupScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return scheduler, nil
}

// setupTracing initializes OpenTelemetry tracing if configured. When
// tracing is not configured it returns a no-op cleanup function.
func setupTracing(cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Tracing.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	return initTracer(cfg)
}

func initTracer(cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.Tracing.OTLPEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Tracing.ServiceName),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resources: %w", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown, nil
}

// startBackgroundServices starts the metrics and pprof servers concurrently
// via an errgroup, matching the teacher's serverManager.start fan-out of
// multiple protocol servers (§11.5). Neither listener blocks process
// startup; a failure of either is logged once the group unwinds.
func startBackgroundServices(ctx context.Context, cfg *config.Config) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.CreateMetricsServer(cfg)
	})
	g.Go(func() error {
		return pprof.CreatePProfServer(cfg)
	})
	go func() {
		if err := g.Wait(); err != nil {
			slog.Error("Background service stopped unexpectedly", "error", err)
		}
	}()
}

// runtime holds the server/client handlers and the resources that back them,
// generalized from the teacher's serverManager.
type runtime struct {
	cfg      *config.Config
	server   *server.Handler
	pump     *pump.Pump
	client   *client.Client
	kv       kv.KV
	registry *instance.Registry
	metrics  *metrics.Metrics
	queue    *queue.Queue
	ready    atomic.Bool

	relayCancel context.CancelFunc
}

// PushPacket buffers payload for gid so the packet pump's next drain tick
// forwards it to the server handler's fan-out (§4.3). This is the
// integration point an embedder's device SDK calls into; this binary alone
// has no signal source of its own (see DESIGN.md's CLI binary scope note).
// Packets pushed this way are always delivered as data packets: the queue's
// []byte buffer carries no per-entry kind tag, so an embedder that needs to
// push event packets through the queue, rather than calling the server
// handler's SendPacket directly, needs a richer queue than this one.
func (rt *runtime) PushPacket(gid string, payload []byte) error {
	_, err := rt.queue.Push(gid, payload)
	return err
}

// initializeRuntime builds the server handler, the packet pump, and,
// when configured, an outbound client connection, then starts them all.
func initializeRuntime(cfg *config.Config, kvStore kv.KV, ps pubsub.PubSub) (*runtime, error) {
	instanceID, err := instance.GenerateInstanceID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}
	registry := instance.New(context.Background(), slog.Default(), kvStore, instanceID)

	m := metrics.NewMetrics()
	q := queue.NewQueue()

	rt := &runtime{
		cfg:      cfg,
		kv:       kvStore,
		registry: registry,
		metrics:  m,
		queue:    q,
	}

	// p is declared before hooks because the hooks close over it: the
	// server handler must exist before the pump (the pump's sink is the
	// handler), but the hooks that drive the pump are handed to the handler
	// at construction time. Hooks only fire once a session subscribes,
	// which can't happen before p is assigned below.
	var p *pump.Pump
	hooks := server.Hooks{
		OnSignalSubscribed: func(sig streaming.Signal) {
			src := queue.NewSource(q, sig.GlobalID(), streaming.PacketKindData)
			p.Add(sig, src)
		},
		OnSignalUnsubscribed: func(sig streaming.Signal) {
			p.Remove(sig.GlobalID())
		},
	}
	h := server.NewHandler(slog.Default(), nil, hooks, nil)
	h.SetMetrics(m)
	p = pump.New(slog.Default(), h, pump.DefaultTick)
	p.SetMetrics(m)
	if err := h.StartServer(cfg.Server.Port); err != nil {
		return nil, fmt.Errorf("failed to start native streaming server: %w", err)
	}
	rt.server = h

	relayCtx, cancel := context.WithCancel(context.Background())
	rt.relayCancel = cancel
	h.EnablePubSub(relayCtx, ps, instanceID)

	p.Start(context.Background())
	rt.pump = p

	if cfg.Client.ConnectionString != "" {
		c := client.New(slog.Default(), cfg.Reconnect, client.Hooks{
			ReconnectionStatusChanged: func(status client.State) {
				if status == client.StateReconnecting {
					m.RecordReconnect()
				}
			},
		})
		addr := clientAddr(cfg.Client.ConnectionString)
		if err := c.Connect(context.Background(), addr); err != nil {
			slog.Warn("Initial connection to remote device failed, reconnection controller will retry", "addr", addr, "error", err)
		}
		rt.client = c
	}

	rt.ready.Store(true)
	slog.Info("Server ready to accept traffic")

	return rt, nil
}

// clientAddr strips the daq.nsd:// scheme from a connection string, leaving
// the host:port pair Connect expects (§6 "Client-side device URL").
func clientAddr(connectionString string) string {
	addr := strings.TrimPrefix(connectionString, "daq.nsd://")
	addr = strings.TrimSuffix(addr, "/")
	return addr
}

// setupReapJob registers the stale-pending-subscription reaper (§11.2) when
// an outbound client is configured; a server-only process has no pending
// client futures to reap.
func setupReapJob(scheduler gocron.Scheduler, cfg *config.Config, rt *runtime) {
	if rt.client == nil {
		return
	}
	_, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Reconnect.StalePendingThreshold),
		gocron.NewTask(func() {
			reaped := rt.client.ReapStalePending(cfg.Reconnect.StalePendingThreshold)
			if reaped > 0 {
				slog.Warn("Reaped stale pending requests", "count", reaped)
			}
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule stale pending reaper", "error", err)
	}
}

// shutdown stops the pump, the client and the server. It asks the instance
// registry whether a sibling instance is alive and logs the answer before
// deregistering; sessions are closed by StopServer the same way whether or
// not a sibling exists.
func (rt *runtime) shutdown(ctx context.Context) {
	rt.ready.Store(false)

	if rt.relayCancel != nil {
		rt.relayCancel()
	}

	if rt.registry != nil {
		if rt.registry.OtherInstancesExist(ctx) {
			slog.Info("Other instances detected")
		}
		rt.registry.Deregister(ctx)
	}

	if rt.pump != nil {
		rt.pump.Stop()
	}
	if rt.client != nil {
		if err := rt.client.Close(); err != nil {
			slog.Error("Failed to close client", "error", err)
		}
	}
	if rt.server != nil {
		if err := rt.server.StopServer(); err != nil {
			slog.Error("Failed to stop server", "error", err)
		}
	}
}

// setupShutdownHandlers blocks until SIGINT/SIGTERM/SIGQUIT/SIGHUP is
// received, then performs an orderly, time-bounded shutdown (§10.4).
func setupShutdownHandlers(ctx context.Context, scheduler gocron.Scheduler, rt *runtime, ps pubsub.PubSub, cleanup func(context.Context) error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	sig := <-sigCh
	slog.Error("Shutting down due to signal", "signal", sig)

	rt.ready.Store(false)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.StopJobs(); err != nil {
			slog.Error("Failed to stop scheduler jobs", "error", err)
		}
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Failed to stop scheduler", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.shutdown(ctx)
		if ps != nil {
			if err := ps.Close(); err != nil {
				slog.Error("Failed to close pubsub", "error", err)
			}
		}
		if rt.kv != nil {
			if err := rt.kv.Close(); err != nil {
				slog.Error("Failed to close kv", "error", err)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if cleanup != nil {
			const timeout = 5 * time.Second
			shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := cleanup(shutdownCtx); err != nil {
				slog.Error("Failed to shutdown tracer", "error", err)
			}
		}
	}()

	const timeout = 10 * time.Second

	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		slog.Info("All servers stopped, shutting down gracefully")
		os.Exit(0)
	case <-time.After(timeout):
		slog.Error("Shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
