// Package config aggregates the settings of every cigraph component.
package config

import (
	"time"

	"github.com/DrSkyle/cigraph/pkg/api"
	"github.com/DrSkyle/cigraph/pkg/engine/gate"
	"github.com/DrSkyle/cigraph/pkg/engine/health"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/federation"
	"github.com/DrSkyle/cigraph/pkg/ingest"
	"github.com/DrSkyle/cigraph/pkg/ingest/kafka"
	"github.com/DrSkyle/cigraph/pkg/providers/k8s"
	"github.com/DrSkyle/cigraph/pkg/storage"
	"github.com/DrSkyle/cigraph/pkg/telemetry"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverLocal  = "local"
	DriverS3     = "s3"
	DriverRedis  = "redis"
)

// Config is the root document loaded from YAML, env and flags.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Store      StoreConfig      `mapstructure:"store"`
	Impact     impact.Config    `mapstructure:"impact"`
	Gate       gate.Config      `mapstructure:"gate"`
	Health     HealthConfig     `mapstructure:"health"`
	Ingest     ingest.Config    `mapstructure:"ingest"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Federation FederationConfig `mapstructure:"federation"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Lock       LockConfig       `mapstructure:"lock"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Swarm      SwarmConfig      `mapstructure:"swarm"`
	API        api.Config       `mapstructure:"api"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`

	// Manifests are HCL files or directories applied at startup.
	Manifests []string `mapstructure:"manifests"`
	// ManifestVars are exposed to manifests as var.<name>.
	ManifestVars map[string]string `mapstructure:"manifest_vars"`
}

// StoreConfig selects the graph and change-request backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// ExpireInterval is how often lapsed discovered edges are deactivated.
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
	// CounterInterval is how often CI degree counters are refreshed.
	CounterInterval time.Duration `mapstructure:"counter_interval"`
}

type HealthConfig struct {
	health.Config `mapstructure:",squash"`
	// Ledger is a JSONL path or an s3://bucket/key URL. Empty keeps history in memory.
	Ledger string `mapstructure:"ledger"`
}

type KafkaConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	kafka.ConsumerConfig `mapstructure:",squash"`
}

type KubernetesConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	Context    string `mapstructure:"context"`
	k8s.Config `mapstructure:",squash"`
}

type FederationConfig struct {
	Enabled  bool                   `mapstructure:"enabled"`
	Interval time.Duration          `mapstructure:"interval"`
	Neo4j    federation.Neo4jConfig `mapstructure:"neo4j"`
}

// ArchiveConfig places closed change requests. An empty driver disables archiving.
type ArchiveConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type LockConfig struct {
	Driver    string `mapstructure:"driver"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type NotifierConfig struct {
	SlackWebhook string `mapstructure:"slack_webhook"`
	SlackChannel string `mapstructure:"slack_channel"`
}

// SwarmConfig bounds the AIMD worker pool used by the reconciler.
type SwarmConfig struct {
	Start int `mapstructure:"start"`
	Min   int `mapstructure:"min"`
	Max   int `mapstructure:"max"`
}

// DefaultConfig returns a single-node, in-memory setup.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Store: StoreConfig{
			Driver:          DriverMemory,
			Path:            "cigraph.db",
			ExpireInterval:  time.Minute,
			CounterInterval: 5 * time.Minute,
		},
		Impact:     impact.DefaultConfig(),
		Gate:       gate.DefaultConfig(),
		Health:     HealthConfig{Config: health.DefaultConfig()},
		Ingest:     ingest.DefaultConfig(),
		Kafka:      KafkaConfig{ConsumerConfig: kafka.DefaultConsumerConfig()},
		Kubernetes: KubernetesConfig{Config: k8s.DefaultConfig()},
		Federation: FederationConfig{
			Interval: 5 * time.Minute,
			Neo4j:    federation.Neo4jConfig{URI: "neo4j://localhost:7687", Database: "neo4j"},
		},
		Archive: ArchiveConfig{
			Path:   "archive",
			Region: "us-east-1",
			Prefix: storage.DefaultArchivePrefix,
		},
		Lock:      LockConfig{Driver: DriverLocal, Addr: "localhost:6379", KeyPrefix: "cigraph:lock:"},
		Swarm:     SwarmConfig{Start: 4, Min: 1, Max: 32},
		API:       api.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}
