package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/steamlink/internal/config"
	"github.com/postalsys/steamlink/internal/health"
	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/metrics"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/radio"
	"github.com/postalsys/steamlink/internal/slid"
	"github.com/postalsys/steamlink/internal/station"
)

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a station",
		Long:  "Start a store, node or bridge with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runStation(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./steamlink.yaml", "Path to configuration file")

	return cmd
}

// runStation assembles and runs a station until ctx is done.
func runStation(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	scfg, err := stationConfig(cfg)
	if err != nil {
		logging.Fatal(logger, "invalid station configuration", logging.KeyError, err)
		return err
	}

	reg := prometheus.NewRegistry()
	scfg.Metrics = metrics.NewMetricsWithRegistry(reg)

	drivers, err := openDrivers(ctx, cfg, scfg.Role, logger)
	if err != nil {
		return err
	}

	st, err := station.New(scfg, drivers, &logHandler{logger: logger}, station.Platform{Logger: logger})
	if err != nil {
		closeDrivers(drivers)
		if errors.Is(err, nodecfg.ErrNotInitialized) || errors.Is(err, nodecfg.ErrVersionMismatch) {
			logging.Fatal(logger, "node configuration unusable, run 'steamlink init'",
				"path", cfg.Station.NodeConfig,
				logging.KeyError, err)
		}
		return fmt.Errorf("failed to create station: %w", err)
	}
	defer st.Close()

	if cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     reg,
		}, stationStats{st})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer srv.Stop()
		logger.Info("health server listening", logging.KeyAddress, srv.Address().String())
	}

	logger.Info("starting station",
		logging.KeyRole, scfg.Role.String(),
		logging.KeySLID, st.SLID().String(),
		"radio", cfg.Radio.Describe())

	if scfg.Role == station.RoleNode {
		if err := st.Announce(); err != nil {
			logger.Warn("announcement failed", logging.KeyError, err)
		}
	}

	err = st.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// stationConfig maps the host configuration onto a station config.
func stationConfig(cfg *config.Config) (station.Config, error) {
	scfg := station.DefaultConfig()

	role, err := station.ParseRole(cfg.Station.Role)
	if err != nil {
		return scfg, err
	}
	scfg.Role = role
	scfg.AckTimeout = cfg.Reliability.AckTimeout
	scfg.MaxRetries = cfg.Reliability.MaxRetries
	scfg.TickInterval = cfg.Reliability.TickInterval
	scfg.PollInterval = cfg.Reliability.PollInterval

	switch role {
	case station.RoleNode:
		scfg.Storage = nodecfg.NewFileStorage(cfg.Station.NodeConfig)
	default:
		if scfg.SLID, err = cfg.StationSLID(); err != nil {
			return scfg, err
		}
	}

	if role == station.RoleBridge {
		if scfg.BridgeMode, err = cfg.BridgeMode(); err != nil {
			return scfg, err
		}
		if cfg.Station.StoreSLID != "" {
			if scfg.StoreSLID, err = cfg.StoreSLID(); err != nil {
				return scfg, err
			}
		}
	}
	return scfg, nil
}

func openDrivers(ctx context.Context, cfg *config.Config, role station.Role, logger *slog.Logger) (station.Drivers, error) {
	var drivers station.Drivers

	d, err := openLink(ctx, "radio", cfg.Radio, logger)
	if err != nil {
		return drivers, err
	}
	drivers.Radio = d

	if role == station.RoleBridge {
		d, err := openLink(ctx, "store_link", cfg.StoreLink, logger)
		if err != nil {
			drivers.Radio.Close()
			return drivers, err
		}
		drivers.StoreLink = d
	}
	return drivers, nil
}

func closeDrivers(d station.Drivers) {
	if d.Radio != nil {
		d.Radio.Close()
	}
	if d.StoreLink != nil {
		d.StoreLink.Close()
	}
}

// openLink dials or listens as configured and applies the duty-cycle limit.
func openLink(ctx context.Context, name string, l config.LinkConfig, logger *slog.Logger) (radio.Driver, error) {
	opts := radio.Options{
		Logger: logger.With(logging.KeyComponent, name),
		Path:   l.Path,
	}

	var (
		hub *radio.Hub
		err error
	)
	switch {
	case l.Transport == "ws" && l.Listening():
		hub, err = radio.ListenWebSocket(l.Listen, opts)
	case l.Transport == "ws":
		hub, err = radio.DialWebSocket(ctx, l.Address, opts)
	case l.Transport == "quic" && l.Listening():
		hub, err = radio.ListenQUIC(l.Listen, opts)
	case l.Transport == "quic":
		hub, err = radio.DialQUIC(ctx, l.Address, opts)
	default:
		return nil, fmt.Errorf("%s: unsupported transport %q", name, l.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	rate, err := l.DutyCycleBytes()
	if err != nil {
		hub.Close()
		return nil, err
	}
	burst, err := l.BurstBytes()
	if err != nil {
		hub.Close()
		return nil, err
	}
	if rate > 0 {
		return radio.NewLimited(hub, rate, burst), nil
	}
	return hub, nil
}

// logHandler logs application traffic.
type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) OnData(payload []byte) {
	h.logger.Info("data received",
		logging.KeyLength, len(payload),
		"payload", fmt.Sprintf("%q", payload))
}

func (h *logHandler) OnBridge(raw []byte, to slid.SLID) {
	h.logger.Debug("relayed", logging.KeyToSLID, to.String(), logging.KeyLength, len(raw))
}

func (h *logHandler) OnCommand(op uint8, payload []byte) {
	h.logger.Info("command accepted", logging.KeyOp, protocol.OpName(op))
}

// stationStats adapts a station to the health server.
type stationStats struct {
	st *station.Station
}

func (s stationStats) IsRunning() bool {
	return s.st.IsRunning()
}

func (s stationStats) Stats() health.Stats {
	stats := health.Stats{
		Role: s.st.Role().String(),
		SLID: s.st.SLID().String(),
	}

	status := s.st.Status()
	stats.Received = status.Received
	stats.Sent = status.Sent
	stats.Retransmits = status.Retransmits
	stats.Failures = status.Failures
	if e := s.st.Engine(); e != nil {
		stats.Outstanding = e.Outstanding()
	}

	if s.st.Role() == station.RoleStore {
		now := time.Now()
		for _, n := range s.st.Nodes() {
			offline := n.Offline(now)
			if offline {
				stats.NodesOffline++
			}
			stats.Nodes = append(stats.Nodes, health.NodeSummary{
				SLID:     n.SLID.String(),
				Name:     n.Name,
				LastSeen: n.LastSeen,
				RSSI:     n.RSSI,
				Packets:  n.Packets,
				Offline:  offline,
			})
		}
		stats.NodesKnown = len(stats.Nodes)
	}
	return stats
}
