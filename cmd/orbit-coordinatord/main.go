// orbit-coordinatord runs one cross-shard transaction coordinator per shard
// inside a single process, wired over the in-memory transport. It is the
// reference deployment: shard metrics feed, routing optimizer, batcher and
// executor all run as background loops next to the coordinator inbox loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/batch"
	"github.com/orbitledger/orbitledger/core/coordinator"
	"github.com/orbitledger/orbitledger/core/ledger"
	"github.com/orbitledger/orbitledger/core/routing"
	"github.com/orbitledger/orbitledger/core/shard"
	"github.com/orbitledger/orbitledger/core/shardmetrics"
	"github.com/orbitledger/orbitledger/core/transport"
	"github.com/orbitledger/orbitledger/internal/config"
	internaltelemetry "github.com/orbitledger/orbitledger/internal/telemetry"
	"github.com/orbitledger/orbitledger/pkg/logger"
	"github.com/orbitledger/orbitledger/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	shardCount = flag.Uint("shards", 0, "Override the configured shard count")
	logLevel   = flag.String("log-level", "", "Override the configured log level")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orbit-coordinatord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if *shardCount > 0 {
		cfg.ShardCount = uint32(*shardCount)
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zlogger.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("building telemetry: %w", err)
	}
	coordMetrics, err := internaltelemetry.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("registering coordinator metrics: %w", err)
	}
	schedMetrics, err := internaltelemetry.NewSchedulerMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("registering scheduler metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := shard.NewStaticRegistry(cfg.ShardCount, links(cfg)...)
	network := transport.NewNetwork(cfg.ShardCount, cfg.InboxBuffer, zlogger)

	// The metrics provider samples inbox occupancy as the per-shard load
	// signal. A real deployment plugs in the cluster monitoring feed here.
	provider := shardmetrics.ProviderFunc(func(ctx context.Context) (map[shard.ID]shardmetrics.Snapshot, error) {
		out := make(map[shard.ID]shardmetrics.Snapshot, cfg.ShardCount)
		now := time.Now()
		for i := uint32(0); i < cfg.ShardCount; i++ {
			pending, capacity := network.Depth(i)
			load := 0.0
			if capacity > 0 {
				load = float64(pending) / float64(capacity)
			}
			out[i] = shardmetrics.Snapshot{Load: load, SuccessRate: 1.0, Taken: now}
		}
		return out, nil
	})
	feed := shardmetrics.NewFeed(provider, zlogger)
	optimizer := routing.NewOptimizer(registry, feed, zlogger)

	batcher := batch.NewBatcher(cfg.Batcher, zlogger, schedMetrics)
	localLoad := func() float64 {
		pending, capacity := network.Depth(0)
		if capacity == 0 {
			return 0
		}
		return float64(pending) / float64(capacity)
	}
	executor := batch.NewExecutor(cfg.Executor, ledger.AcceptAll{}, localLoad, zlogger, schedMetrics)

	var wg sync.WaitGroup
	for i := uint32(0); i < cfg.ShardCount; i++ {
		coord := coordinator.New(i, registry, nil, ledger.AcceptAll{}, network,
			cfg.Coordinator, zlogger, coordMetrics)
		wg.Add(1)
		go func(c *coordinator.Coordinator, inbox <-chan coordinator.Message) {
			defer wg.Done()
			c.Run(ctx, inbox)
		}(coord, network.Inbox(i))
	}

	wg.Add(4)
	go func() { defer wg.Done(); feed.Run(ctx, cfg.MetricsRefresh.Std()) }()
	go func() { defer wg.Done(); optimizer.Run(ctx, cfg.RoutingRefresh.Std()) }()
	go func() { defer wg.Done(); batcher.Run(ctx, 0) }()
	go func() { defer wg.Done(); executor.Run(ctx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range batcher.Batches() {
			if err := executor.ExecuteBatch(ctx, b); err != nil {
				zlogger.Warn("batch execution failed",
					zap.String("batch_id", b.ID),
					zap.Error(err))
			}
		}
	}()

	zlogger.Info("orbit-coordinatord started",
		zap.Uint32("shards", cfg.ShardCount),
		zap.Int("topology_links", len(cfg.Topology)))

	<-ctx.Done()
	zlogger.Info("shutting down")

	network.Close()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telShutdown(shutdownCtx); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// links expands the configured topology into registry connections,
// mirroring symmetric links.
func links(cfg config.Config) []shard.Connection {
	out := make([]shard.Connection, 0, 2*len(cfg.Topology))
	for _, l := range cfg.Topology {
		out = append(out, shard.Connection{From: l.From, To: l.To, Latency: l.Latency.Std()})
		if l.Symmetric {
			out = append(out, shard.Connection{From: l.To, To: l.From, Latency: l.Latency.Std()})
		}
	}
	return out
}
