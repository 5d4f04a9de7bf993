package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/steamlink/internal/ack"
	"github.com/postalsys/steamlink/internal/bridge"
	"github.com/postalsys/steamlink/internal/chaos"
	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/radio"
	"github.com/postalsys/steamlink/internal/slid"
	"github.com/postalsys/steamlink/internal/station"
)

type simOptions struct {
	Count      int
	Bridged    bool
	Loss       float64
	Duplicate  float64
	Corrupt    float64
	Delay      time.Duration
	Seed       int64
	AckTimeout time.Duration
	MaxRetries int
	Timeout    time.Duration
}

type simResult struct {
	Delivered   int
	Failed      int
	Received    int64
	Relayed     int64
	Retransmits uint64
	Elapsed     time.Duration
	Nodes       []station.NodeInfo
}

func simulateCmd() *cobra.Command {
	var (
		opts     simOptions
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a store, bridges and a node in-process",
		Long: `Run a store, a storeside and a nodeside bridge, and a node over
in-memory links. The node sends --count reliable data packets. --loss,
--duplicate and --corrupt apply that fraction of faults to frames on every
link; --delay holds some frames back so they arrive late.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, p := range map[string]float64{"loss": opts.Loss, "duplicate": opts.Duplicate, "corrupt": opts.Corrupt} {
				if p < 0 || p >= 1 {
					return fmt.Errorf("--%s must be in [0, 1)", name)
				}
			}
			logger := logging.NewLogger(logLevel, "text")
			res, err := simulate(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			printSimResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 10, "Number of data packets the node sends")
	cmd.Flags().BoolVar(&opts.Bridged, "bridged", true, "Route through a storeside and a nodeside bridge")
	cmd.Flags().Float64Var(&opts.Loss, "loss", 0, "Fraction of frames dropped per link")
	cmd.Flags().Float64Var(&opts.Duplicate, "duplicate", 0, "Fraction of frames delivered twice")
	cmd.Flags().Float64Var(&opts.Corrupt, "corrupt", 0, "Fraction of frames with one byte flipped")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "Maximum extra latency for a tenth of the frames")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "Random seed for injected faults")
	cmd.Flags().DurationVar(&opts.AckTimeout, "ack-timeout", 200*time.Millisecond, "Retransmission timeout")
	cmd.Flags().IntVar(&opts.MaxRetries, "retries", 3, "Retransmissions before a send fails")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Overall time limit")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level")

	return cmd
}

// faults returns the fault configuration applied to every link.
func (o simOptions) faults() []chaos.FaultConfig {
	var configs []chaos.FaultConfig
	if o.Loss > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultDrop, Probability: o.Loss})
	}
	if o.Duplicate > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultDuplicate, Probability: o.Duplicate})
	}
	if o.Corrupt > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultCorrupt, Probability: o.Corrupt})
	}
	if o.Delay > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultDelay, Probability: 0.1, MaxDelay: o.Delay})
	}
	return configs
}

// faultyPair returns a loopback pair with faults injected in both
// directions.
func faultyPair(configs []chaos.FaultConfig, seed int64) (radio.Driver, radio.Driver) {
	a, b := radio.NewLoopbackPair()
	if len(configs) == 0 {
		return a, b
	}
	return chaos.Wrap(a, chaos.NewSeededFaultInjector(seed, configs...)),
		chaos.Wrap(b, chaos.NewSeededFaultInjector(seed+1, configs...))
}

type countingHandler struct {
	station.NopHandler
	data    atomic.Int64
	relayed atomic.Int64
}

func (h *countingHandler) OnData([]byte) { h.data.Add(1) }

func (h *countingHandler) OnBridge([]byte, slid.SLID) { h.relayed.Add(1) }

func simulate(ctx context.Context, opts simOptions, logger *slog.Logger) (*simResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	const (
		storeSLID     = slid.SLID(0x100)
		nodeSLID      = slid.SLID(0x101)
		storeSideSLID = slid.SLID(0x200)
		nodeSideSLID  = slid.SLID(0x201)
	)

	base := station.DefaultConfig()
	base.AckTimeout = opts.AckTimeout
	base.MaxRetries = opts.MaxRetries
	base.PollInterval = time.Millisecond
	base.TickInterval = opts.AckTimeout / 4
	platform := station.Platform{Logger: logger}

	storeH := &countingHandler{}
	bridgeH := &countingHandler{}
	var stations []*station.Station
	closeAll := func() {
		for _, st := range stations {
			st.Close()
		}
	}

	newStation := func(cfg station.Config, d station.Drivers, h station.Handler) (*station.Station, error) {
		st, err := station.New(cfg, d, h, platform)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
		return st, nil
	}

	seed := opts.Seed
	faults := opts.faults()
	storeAir, towardsStore := faultyPair(faults, seed)
	nodeAir := towardsStore

	if opts.Bridged {
		ssNodeLeg, nsStoreLeg := faultyPair(faults, seed+10)
		nsNodeLeg, air := faultyPair(faults, seed+20)
		nodeAir = air

		ss := base
		ss.Role = station.RoleBridge
		ss.SLID = storeSideSLID
		ss.BridgeMode = bridge.ModeStoreSide
		if _, err := newStation(ss, station.Drivers{Radio: ssNodeLeg, StoreLink: towardsStore}, bridgeH); err != nil {
			closeAll()
			return nil, err
		}

		ns := base
		ns.Role = station.RoleBridge
		ns.SLID = nodeSideSLID
		ns.BridgeMode = bridge.ModeNodeSide
		ns.StoreSLID = storeSLID
		if _, err := newStation(ns, station.Drivers{Radio: nsNodeLeg, StoreLink: nsStoreLeg}, bridgeH); err != nil {
			closeAll()
			return nil, err
		}
	}

	sc := base
	sc.Role = station.RoleStore
	sc.SLID = storeSLID
	store, err := newStation(sc, station.Drivers{Radio: storeAir}, storeH)
	if err != nil {
		closeAll()
		return nil, err
	}

	nc := base
	nc.Role = station.RoleNode
	nc.Node = nodecfg.New(nodeSLID, "sim-node")
	node, err := newStation(nc, station.Drivers{Radio: nodeAir}, nil)
	if err != nil {
		closeAll()
		return nil, err
	}
	defer closeAll()

	var wg sync.WaitGroup
	runCtx, stopRun := context.WithCancel(ctx)
	for _, st := range stations {
		wg.Add(1)
		go func(st *station.Station) {
			defer wg.Done()
			st.Run(runCtx)
		}(st)
	}
	defer func() {
		stopRun()
		wg.Wait()
	}()

	start := time.Now()
	res := &simResult{}

	if err := node.Announce(); err != nil {
		return nil, err
	}

	for i := 0; i < opts.Count; i++ {
		d, err := node.SendData([]byte(fmt.Sprintf("reading %d", i)))
		if err != nil {
			return nil, err
		}
		switch err := d.Wait(ctx); {
		case err == nil:
			res.Delivered++
		case errors.Is(err, ack.ErrRetriesExhausted):
			res.Failed++
		default:
			return nil, err
		}
	}

	if err := store.GetStatus(nodeSLID); err != nil {
		logger.Warn("status request failed", logging.KeyError, err)
	}
	waitForStatus(ctx, store, nodeSLID, 10*opts.AckTimeout)

	res.Elapsed = time.Since(start)
	res.Received = storeH.data.Load()
	res.Relayed = bridgeH.relayed.Load()
	res.Retransmits = node.Engine().Stats().Retransmits
	res.Nodes = store.Nodes()
	return res, nil
}

// waitForStatus waits until the store has an SS reply from id or d passes.
func waitForStatus(ctx context.Context, store *station.Station, id slid.SLID, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if info, ok := store.Node(id); ok && info.Status != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func printSimResult(w io.Writer, r *simResult) {
	fmt.Fprintf(w, "Delivered:    %s\n", humanize.Comma(int64(r.Delivered)))
	fmt.Fprintf(w, "Failed:       %s\n", humanize.Comma(int64(r.Failed)))
	fmt.Fprintf(w, "At store:     %s\n", humanize.Comma(r.Received))
	fmt.Fprintf(w, "Relayed:      %s\n", humanize.Comma(r.Relayed))
	fmt.Fprintf(w, "Retransmits:  %s\n", humanize.Comma(int64(r.Retransmits)))
	fmt.Fprintf(w, "Elapsed:      %s\n", r.Elapsed.Round(time.Millisecond))

	for _, n := range r.Nodes {
		fmt.Fprintf(w, "\nNode %s %q: %s packets, rssi %d, last seen %s\n",
			n.SLID, n.Name, humanize.Comma(int64(n.Packets)), n.RSSI, humanize.Time(n.LastSeen))
		if s := n.Status; s != nil {
			fmt.Fprintf(w, "  status: up %ds, rx %d, tx %d, retransmits %d, failures %d\n",
				s.UptimeSeconds, s.Received, s.Sent, s.Retransmits, s.Failures)
		}
	}
}
