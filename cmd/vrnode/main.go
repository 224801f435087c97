// vrnode runs one VR replica node: it binds the bus to this replica's
// address, keeps connections to the rest of the cluster, and answers
// protocol traffic through the embedded replica sink.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"vrnode/internal/aio"
	"vrnode/internal/bus"
	"vrnode/internal/config"
	"vrnode/internal/metrics"
	"vrnode/internal/replica"
)

const (
	tickInterval = 10 * time.Millisecond

	// Ping every ~2s of ticks, snapshot metrics every ~10s.
	pingAfterTicks     = 200
	snapshotAfterTicks = 1000
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("vrnode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		clusterFlag  = fs.String("cluster", "", "cluster id (hex)")
		replicasFlag = fs.String("replicas", "", "comma-separated ipv4[:port] of all replicas")
		indexFlag    = fs.Int("replica-index", -1, "index of this replica in --replicas")
		metricsFlag  = fs.String("metrics", "", "path for periodic metrics snapshots")
		debugFlag    = fs.Bool("debug", false, "debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := zerolog.InfoLevel
	if *debugFlag || os.Getenv("VRNODE_DEBUG") == "1" {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(stderr).Level(level).With().Timestamp().Logger()

	cfg, err := config.Parse(*clusterFlag, *replicasFlag, *indexFlag)
	if err != nil {
		fmt.Fprintf(stderr, "vrnode: %v\n", err)
		fmt.Fprintln(stderr, "usage: vrnode --cluster=<hex> --replicas=<csv of ipv4[:port]> --replica-index=<n>")
		fs.PrintDefaults()
		return 2
	}

	ep, err := aio.NewEpoll()
	if err != nil {
		log.Error().Err(err).Msg("reactor init failed")
		return 1
	}
	defer ep.Deinit()

	m := metrics.New()
	rep := replica.New(cfg.ReplicaIndex, cfg.Cluster, log)
	b, err := bus.New(ep, bus.Config{
		Cluster:   cfg.Cluster,
		Addresses: cfg.Addresses,
		Logger:    log,
		Metrics:   m,
	}, rep)
	if err != nil {
		log.Error().Err(err).Msg("bus init failed")
		return 1
	}
	defer b.Deinit()
	rep.AttachBus(b)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ping := replica.Timeout{Name: "ping", After: pingAfterTicks}
	ping.Start()
	snapshot := replica.Timeout{Name: "metrics_snapshot", After: snapshotAfterTicks}
	if *metricsFlag != "" {
		snapshot.Start()
	}

	log.Info().Int("replicas", len(cfg.Addresses)).Msg("node running")
	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			if err := m.WriteSnapshot(*metricsFlag); err != nil {
				log.Warn().Err(err).Msg("metrics snapshot failed")
			}
			return 0
		default:
		}

		ep.Poll(tickInterval)
		b.Tick()
		b.Flush()

		ping.Tick()
		if ping.Fired() {
			rep.Ping(len(cfg.Addresses), 0)
			ping.Reset()
		}
		snapshot.Tick()
		if snapshot.Fired() {
			if err := m.WriteSnapshot(*metricsFlag); err != nil {
				log.Warn().Err(err).Msg("metrics snapshot failed")
			}
			snapshot.Reset()
		}
	}
}
