// Package config loads the coordinator daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbitledger/orbitledger/core/batch"
	"github.com/orbitledger/orbitledger/core/coordinator"
	"github.com/orbitledger/orbitledger/pkg/logger"
	"github.com/orbitledger/orbitledger/pkg/telemetry"
)

// Duration wraps time.Duration so YAML values can be written as "250ms" or
// "5s" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Link describes one directed inter-shard connection in the topology.
type Link struct {
	From      uint32   `yaml:"from"`
	To        uint32   `yaml:"to"`
	Latency   Duration `yaml:"latency"`
	Symmetric bool     `yaml:"symmetric"`
}

// Config is the complete daemon configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// ShardCount is the number of in-process shard coordinators to run.
	ShardCount uint32 `yaml:"shard_count"`
	// Topology lists the inter-shard links used by the routing optimizer.
	Topology []Link `yaml:"topology"`

	Coordinator coordinator.Config   `yaml:"coordinator"`
	Batcher     batch.BatcherConfig  `yaml:"batcher"`
	Executor    batch.ExecutorConfig `yaml:"executor"`

	// MetricsRefresh is the shard metrics polling interval.
	MetricsRefresh Duration `yaml:"metrics_refresh"`
	// RoutingRefresh is the routing table recomputation interval.
	RoutingRefresh Duration `yaml:"routing_refresh"`
	// InboxBuffer bounds each shard's in-memory message inbox.
	InboxBuffer int `yaml:"inbox_buffer"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{Enabled: false, ServiceName: "orbitledger", PrometheusPort: 9464},

		ShardCount: 4,

		MetricsRefresh: Duration(5 * time.Second),
		RoutingRefresh: Duration(10 * time.Second),
	}
}

// Load reads and validates a YAML configuration file. Unset fields keep
// their Default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run.
func (c *Config) Validate() error {
	if c.ShardCount == 0 {
		return fmt.Errorf("shard_count must be at least 1")
	}
	for _, link := range c.Topology {
		if link.From >= c.ShardCount || link.To >= c.ShardCount {
			return fmt.Errorf("topology link %d->%d references a shard outside 0..%d",
				link.From, link.To, c.ShardCount-1)
		}
	}
	return nil
}
