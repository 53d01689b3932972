// Package config assembles prism's runtime configuration: federation,
// health, consistency, rebalance, ILM, and cache settings loaded from a
// single YAML document and held behind an atomic pointer so the rest of
// the system can read a consistent snapshot without locking.
package config

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/NVIDIA/prism/internal/cmn"
)

type MergeStrategy string

const (
	MergeSimple          MergeStrategy = "simple"
	MergeScoreNormalized MergeStrategy = "score_normalized"
	MergeReciprocalRank  MergeStrategy = "rrf"
)

type OnFailure string

const (
	OnFailureRebalance OnFailure = "rebalance"
	OnFailureAlertOnly OnFailure = "alert_only"
	OnFailureManual    OnFailure = "manual"
)

type PartitionBehavior string

const (
	PartitionReadOnly   PartitionBehavior = "read_only"
	PartitionServeStale PartitionBehavior = "serve_stale"
	PartitionRejectAll  PartitionBehavior = "reject_all"
)

type ConflictResolution string

const (
	ConflictLastWriteWins ConflictResolution = "last_write_wins"
)

// WriteQuorum is the consistency gate evaluated over (alive, total) node
// counts.
type WriteQuorum struct {
	Kind  string `yaml:"kind"` // one|quorum|all|count
	Count int    `yaml:"count,omitempty"`
}

func (w WriteQuorum) IsSatisfied(alive, total int) bool {
	switch w.Kind {
	case "one":
		return alive >= 1
	case "all":
		return alive == total
	case "count":
		return alive >= w.Count
	case "quorum":
		fallthrough
	default:
		return alive > total/2
	}
}

type FederationConf struct {
	AllowPartialResults   bool          `yaml:"allow_partial_results"`
	PartialResultsTimeout time.Duration `yaml:"partial_results_timeout"`
	MinSuccessfulShards   int           `yaml:"min_successful_shards"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	DefaultMergeStrategy  MergeStrategy `yaml:"default_merge_strategy"`
	PerShardTimeout       time.Duration `yaml:"per_shard_timeout"`
}

type HealthConf struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuspectTimeout    time.Duration `yaml:"suspect_timeout"`
	OnFailure         OnFailure     `yaml:"on_failure"`
}

type ConsistencyConf struct {
	MinNodesForWrite   WriteQuorum        `yaml:"min_nodes_for_write"`
	PartitionBehavior  PartitionBehavior  `yaml:"partition_behavior"`
	AllowStaleReads    bool               `yaml:"allow_stale_reads"`
	StaleReadMaxAge    time.Duration      `yaml:"stale_read_max_age"`
	AutoHealing        bool               `yaml:"auto_healing"`
	ConflictResolution ConflictResolution `yaml:"conflict_resolution"`
}

type RebalanceConf struct {
	Enabled               bool          `yaml:"enabled"`
	ImbalanceThresholdPct float64       `yaml:"imbalance_threshold_percent"`
	MaxConcurrentMoves    int           `yaml:"max_concurrent_moves"`
	MaxBytesPerSec        int64         `yaml:"max_bytes_per_sec"`
	Cooldown              time.Duration `yaml:"cooldown"`
}

type ILMConf struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	SchemasDir    string        `yaml:"schemas_dir"`
}

type CacheConf struct {
	MaxSizeBytes   int64 `yaml:"max_size_bytes"`
	WriteThrough   bool  `yaml:"write_through"`
	PopulateOnRead bool  `yaml:"populate_on_read"`
}

type Config struct {
	Federation  FederationConf  `yaml:"federation"`
	Health      HealthConf      `yaml:"health"`
	Consistency ConsistencyConf `yaml:"consistency"`
	Rebalance   RebalanceConf   `yaml:"rebalance"`
	ILM         ILMConf         `yaml:"ilm"`
	Cache       CacheConf       `yaml:"cache"`
}

func Default() *Config {
	return &Config{
		Federation: FederationConf{
			AllowPartialResults:   true,
			PartialResultsTimeout: 2 * time.Second,
			MinSuccessfulShards:   1,
			MaxConcurrentRequests: 64,
			DefaultMergeStrategy:  MergeSimple,
			PerShardTimeout:       500 * time.Millisecond,
		},
		Health: HealthConf{
			HeartbeatInterval: time.Second,
			FailureThreshold:  3,
			SuspectTimeout:     5 * time.Second,
			OnFailure:          OnFailureRebalance,
		},
		Consistency: ConsistencyConf{
			MinNodesForWrite:   WriteQuorum{Kind: "quorum"},
			PartitionBehavior:  PartitionReadOnly,
			AllowStaleReads:    false,
			StaleReadMaxAge:    30 * time.Second,
			AutoHealing:        true,
			ConflictResolution: ConflictLastWriteWins,
		},
		Rebalance: RebalanceConf{
			Enabled:               true,
			ImbalanceThresholdPct: 10,
			MaxConcurrentMoves:    4,
			MaxBytesPerSec:        50 * 1024 * 1024,
			Cooldown:              time.Minute,
		},
		ILM: ILMConf{
			Enabled:       true,
			CheckInterval: time.Minute,
		},
		Cache: CacheConf{
			MaxSizeBytes:   1 << 30,
			WriteThrough:   true,
			PopulateOnRead: true,
		},
	}
}

// Load reads and parses a YAML config file, applying it on top of
// Default(), then layers PRISM_* environment overrides on top of the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cmn.NewConfigError("config: read "+path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, cmn.NewConfigError("config: parse "+path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// FromEnv returns Default() with PRISM_* environment overrides applied, for
// processes run without a config file.
func FromEnv() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// applyEnv layers PRISM_* environment variables over cfg. Unset variables
// leave the field alone; unparsable values are ignored rather than fatal,
// since the file and defaults underneath are already valid.
func applyEnv(cfg *Config) {
	envBool("PRISM_FEDERATION_ALLOW_PARTIAL_RESULTS", &cfg.Federation.AllowPartialResults)
	envInt("PRISM_FEDERATION_MIN_SUCCESSFUL_SHARDS", &cfg.Federation.MinSuccessfulShards)
	envInt("PRISM_FEDERATION_MAX_CONCURRENT_REQUESTS", &cfg.Federation.MaxConcurrentRequests)
	envDuration("PRISM_FEDERATION_PER_SHARD_TIMEOUT", &cfg.Federation.PerShardTimeout)
	envDuration("PRISM_HEALTH_HEARTBEAT_INTERVAL", &cfg.Health.HeartbeatInterval)
	envInt("PRISM_HEALTH_FAILURE_THRESHOLD", &cfg.Health.FailureThreshold)
	envDuration("PRISM_HEALTH_SUSPECT_TIMEOUT", &cfg.Health.SuspectTimeout)
	envBool("PRISM_CONSISTENCY_ALLOW_STALE_READS", &cfg.Consistency.AllowStaleReads)
	envBool("PRISM_REBALANCE_ENABLED", &cfg.Rebalance.Enabled)
	envInt("PRISM_REBALANCE_MAX_CONCURRENT_MOVES", &cfg.Rebalance.MaxConcurrentMoves)
	envBool("PRISM_ILM_ENABLED", &cfg.ILM.Enabled)
	envDuration("PRISM_ILM_CHECK_INTERVAL", &cfg.ILM.CheckInterval)
	envInt64("PRISM_CACHE_MAX_SIZE_BYTES", &cfg.Cache.MaxSizeBytes)
	envBool("PRISM_CACHE_WRITE_THROUGH", &cfg.Cache.WriteThrough)
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Owner holds the live configuration behind an atomic pointer; Set swaps
// the whole snapshot, so readers never see a half-updated config.
type Owner struct {
	ptr atomic.Pointer[Config]
}

func NewOwner(initial *Config) *Owner {
	o := &Owner{}
	o.ptr.Store(initial)
	return o
}

func (o *Owner) Get() *Config { return o.ptr.Load() }

func (o *Owner) Set(c *Config) { o.ptr.Store(c) }
