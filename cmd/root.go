// SPDX-License-Identifier: AGPL-3.0-or-later
// Replica - Entity replication over unreliable datagrams in a single binary
// Copyright (C) 2025-2026 Angel
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
//
// The source code is available at <https://github.com/AngelOnFira/naia-sub000>

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/config"
	"github.com/AngelOnFira/naia-sub000/internal/connection"
	"github.com/AngelOnFira/naia-sub000/internal/metrics"
	"github.com/AngelOnFira/naia-sub000/internal/pprof"
	"github.com/AngelOnFira/naia-sub000/internal/server"
	"github.com/AngelOnFira/naia-sub000/internal/transport"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
	"github.com/USA-RedDragon/configulator"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "replica",
		Short:   "Run an entity replication server in a single binary",
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
	fmt.Printf("replica - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}
	go func() {
		if err := metrics.CreateMetricsServer(cfg); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()
	go pprof.CreatePProfServer(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := startServer(runCtx, cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(runCtx, cfg, srv, m)
	}()

	sig := <-sigCh
	slog.Error("Shutting down due to signal", "signal", sig)
	cancel()

	const timeout = 10 * time.Second
	select {
	case <-done:
		slog.Info("Server stopped, shutting down gracefully")
		return nil
	case <-time.After(timeout):
		slog.Error("Shutdown timed out, forcing exit")
		os.Exit(1)
		return nil
	}
}

// loadConfig loads the configuration from context
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

// setupLogger configures the structured logger
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
		// Fall back to info level for unrecognized log levels to prevent nil logger panic
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

func startServer(ctx context.Context, cfg *config.Config) (*server.Server, error) {
	p := demoProtocol()
	p.TickInterval = time.Duration(cfg.Replication.TickMs) * time.Millisecond
	p.Sync = worldsync.Config{
		FlushThreshold: uint16(cfg.Replication.MaxInFlight),
		ChannelTTL:     time.Duration(cfg.Replication.ChannelTTLSeconds) * time.Second,
	}
	p.Connection = connection.Config{
		PingInterval:      time.Duration(cfg.Replication.PingMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Replication.HeartbeatMs) * time.Millisecond,
		Timeout:           time.Duration(cfg.Replication.TimeoutSeconds) * time.Second,
	}

	bind, err := netip.ParseAddr(trimBrackets(cfg.Transport.Bind))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bind address: %w", err)
	}
	addrPort := netip.AddrPortFrom(bind, uint16(cfg.Transport.Port))

	var socket transport.ServerSocket
	switch cfg.Transport.Driver {
	case config.TransportDriverQUIC:
		socket = transport.NewQUICServerSocket(addrPort, nil)
	default:
		socket = transport.NewUDPServerSocket(addrPort)
	}

	srv := server.NewServer(p)
	if err := srv.Listen(ctx, socket); err != nil {
		return nil, fmt.Errorf("failed to start replication server: %w", err)
	}
	slog.Info("Replication server listening", "driver", cfg.Transport.Driver, "address", addrPort.String())
	return srv, nil
}

func trimBrackets(bind string) string {
	if len(bind) >= 2 && bind[0] == '[' && bind[len(bind)-1] == ']' {
		return bind[1 : len(bind)-1]
	}
	return bind
}

// runLoop drives the receive → process → send cycle until ctx ends.
func runLoop(ctx context.Context, cfg *config.Config, srv *server.Server, m *metrics.Metrics) {
	store := world.NewMemoryWorld()
	lobby := srv.MakeRoom()

	interval := time.Duration(cfg.Replication.TickMs) * time.Millisecond / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			srv.ProcessPackets(now, store)
			srv.Tick(now)
			handleEvents(srv, store, lobby, m)
			srv.SendAll(now, store)
			if m != nil {
				m.UsersConnected.Set(float64(len(srv.UserKeys())))
			}
		}
	}
}

func handleEvents(srv *server.Server, store *world.MemoryWorld, lobby server.RoomKey, m *metrics.Metrics) {
	for _, event := range srv.TakeEvents() {
		switch event.Type {
		case server.EventAuth:
			// The demo server accepts any credential.
			event.Auth.Accept("anonymous")
		case server.EventConnect:
			slog.Info("User connected", "user", event.User)
			if err := srv.RoomAddUser(lobby, event.User); err != nil {
				slog.Warn("failed to add user to lobby", "user", event.User, "error", err)
			}
		case server.EventDisconnect:
			slog.Info("User disconnected", "user", event.User)
		case server.EventMessage:
			slog.Debug("Message received", "user", event.User, "channel", event.Channel)
			if m != nil {
				m.MessagesDelivered.WithLabelValues("reliable").Inc()
			}
		case server.EventWorld:
			applyWorldEvent(store, event.World)
		}
	}
}

func applyWorldEvent(store *world.MemoryWorld, event world.Event) {
	switch event.Type {
	case world.EventSpawnEntity:
		if err := store.SpawnEntity(event.Entity); err != nil {
			slog.Warn("spawn failed", "entity", event.Entity, "error", err)
		}
	case world.EventDespawnEntity:
		if err := store.DespawnEntity(event.Entity); err != nil {
			slog.Warn("despawn failed", "entity", event.Entity, "error", err)
		}
	case world.EventInsertComponent:
		if event.Payload != nil {
			if err := store.InsertComponent(event.Entity, event.Payload); err != nil {
				slog.Warn("insert failed", "entity", event.Entity, "error", err)
			}
		}
	case world.EventRemoveComponent:
		if err := store.RemoveComponent(event.Entity, event.Component); err != nil {
			slog.Warn("remove failed", "entity", event.Entity, "error", err)
		}
	case world.EventError:
		slog.Warn("world error surfaced", "entity", event.Entity, "error", event.Err)
	}
}
