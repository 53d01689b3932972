// Command prismd wires up prism's cluster membership, health/partition
// detection, placement/rebalance, federation, and ILM components into a
// single long-running process: parse flags, load config, run until
// signalled, exit with a code.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/federation"
	"github.com/NVIDIA/prism/health"
	"github.com/NVIDIA/prism/ilm"
	"github.com/NVIDIA/prism/partition"
	"github.com/NVIDIA/prism/placement"
	"github.com/NVIDIA/prism/query"
	"github.com/NVIDIA/prism/rebalance"
	"github.com/NVIDIA/prism/stats"
	"github.com/NVIDIA/prism/storage"
	"github.com/NVIDIA/prism/storage/cached"
)

var (
	configPath  = flag.String("config", "", "path to prismd YAML config")
	dataDir     = flag.String("data-dir", "./data", "directory for persisted state (ilm/*.json) and local segment tiers")
	selfID      = flag.String("node-id", "", "this node's cluster id")
	metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
)

const rebalanceStepInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	if *selfID == "" {
		log.Error().Msg("prismd: -node-id is required")
		return 1
	}

	cfg := config.FromEnv()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("prismd: failed to load config")
			return 1
		}
		cfg = loaded
	}
	owner := config.NewOwner(cfg)

	stats.Register()
	go serveMetrics(*metricsAddr)

	clusterState := cluster.NewState()
	if err := clusterState.RegisterNode(cluster.NewNode(*selfID, "", cluster.Topology{})); err != nil {
		log.Error().Err(err).Msg("prismd: failed to register self")
		return 1
	}

	nop := backend.NewNopBackend()
	dialer := &localDialer{backend: nop}
	checker := health.NewChecker(owner.Get().Health, clusterState, &pingDialer{dialer: dialer}, *selfID)
	detector := partition.NewDetector(owner.Get().Consistency)
	rebalancer := rebalance.NewEngine(owner.Get().Rebalance, clusterState)
	router := query.NewRouter(clusterState)
	executor := federation.NewExecutor(owner.Get().Federation, router, dialer)

	// Two-tier segment storage: a bounded local cache fronting the durable
	// tier. Both are local filesystems here; an object-store SegmentStorage
	// slots into the same seat.
	localTier := storage.NewLocalStorage(filepath.Join(*dataDir, "segments", "local"))
	durableTier := storage.NewLocalStorage(filepath.Join(*dataDir, "segments", "durable"))
	segments := cached.New(cached.Config{
		MaxSizeBytes:   owner.Get().Cache.MaxSizeBytes,
		WriteThrough:   owner.Get().Cache.WriteThrough,
		PopulateOnRead: owner.Get().Cache.PopulateOnRead,
	}, localTier, durableTier)
	log.Info().Int64("cache_max_bytes", segments.Stats().MaxSize).Msg("prismd: two-tier segment storage ready")

	aliasPath := filepath.Join(*dataDir, "ilm", "aliases.json")
	statePath := filepath.Join(*dataDir, "ilm", "state.json")
	aliases, err := ilm.NewAliasManager(aliasPath)
	if err != nil {
		log.Error().Err(err).Msg("prismd: failed to load alias state")
		return 1
	}
	ilmMgr, err := ilm.NewManager(owner.Get().ILM, aliases, nop, executor, statePath)
	if err != nil {
		log.Error().Err(err).Msg("prismd: failed to load ilm state")
		return 1
	}
	ilmMgr.SetTierMigrator(ilm.NewTierMigrator(localTier, durableTier))

	executor.SetGate(detector)
	executor.SetAliases(aliases)
	executor.SetReadonlyChecker(ilmMgr)

	checker.OnDead(func(nodeID string) {
		log.Warn().Str("node", nodeID).Msg("prismd: node dead, rebalance advised")
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go checker.Run(ctx)
	go detector.Run(ctx, checker.Events(), checker.Snapshot)
	go ilmMgr.Run(ctx)
	go driveRebalance(ctx, rebalancer)

	<-sigCh
	log.Info().Msg("prismd: shutting down")
	cancel()
	return 0
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(stats.Registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("prismd: metrics server stopped")
	}
}

// driveRebalance is the rebalance engine's single driver task: step any
// in-flight plan, reap finished ones, and start a new plan when the cluster
// drifts past the imbalance threshold.
func driveRebalance(ctx context.Context, eng *rebalance.Engine) {
	ticker := time.NewTicker(rebalanceStepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if plan := eng.CurrentPlan(); plan != nil {
			switch plan.Phase {
			case rebalance.PhaseCompleted, rebalance.PhaseFailed:
				log.Info().Str("plan", plan.ID).Str("phase", string(plan.Phase)).Msg("prismd: rebalance finished")
				eng.Reset()
			default:
				if err := eng.Step(); err != nil {
					log.Error().Err(err).Msg("prismd: rebalance step failed")
				}
			}
			continue
		}
		if eng.ShouldRebalance() {
			if _, err := eng.CreatePlan(rebalance.TriggerImbalanceThreshold, placement.Strategy{}, ""); err != nil {
				log.Error().Err(err).Msg("prismd: rebalance planning failed")
			}
		}
	}
}

// localDialer resolves every node address to the same in-process backend —
// a stand-in for a real RPC/gRPC connection pool, since SearchBackend is an
// external collaborator.
type localDialer struct {
	backend backend.SearchBackend
}

func (d *localDialer) Dial(nodeAddress string) (backend.SearchBackend, error) {
	return d.backend, nil
}

// pingDialer adapts localDialer to health.Pinger.
type pingDialer struct {
	dialer *localDialer
}

func (p *pingDialer) Ping(ctx context.Context, n *cluster.Node) (int64, error) {
	b, err := p.dialer.Dial(n.Address)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := b.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start).Milliseconds(), nil
}
