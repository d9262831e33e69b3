package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Gate.ApprovalTTL)
	assert.Equal(t, "cigraph.events", cfg.Kafka.Topic)
}

func TestLoadWithoutFileKeepsDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().API.Addr, cfg.API.Addr)
	assert.Equal(t, DefaultConfig().Health.Weights, cfg.Health.Weights)
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cigraph.yaml")
	doc := `
store:
  driver: sqlite
  path: /var/lib/cigraph/graph.db
gate:
  approval_ttl: 2h
health:
  ledger: s3://audit/health.jsonl
  weights:
    completeness: 0.4
    accuracy: 0.2
    timeliness: 0.2
    compliance: 0.2
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
impact:
  user_estimates:
    payments: 20000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv("CIGRAPH_API_ADDR", ":9090")
	t.Setenv("CIGRAPH_LOCK_DRIVER", "redis")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/cigraph/graph.db", cfg.Store.Path)
	assert.Equal(t, 2*time.Hour, cfg.Gate.ApprovalTTL)
	assert.Equal(t, "s3://audit/health.jsonl", cfg.Health.Ledger)
	assert.InDelta(t, 0.4, cfg.Health.Weights.Completeness, 1e-9)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "cigraph", cfg.Kafka.GroupID)
	assert.Equal(t, 20000, cfg.Impact.UserEstimates["payments"])
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, DriverRedis, cfg.Lock.Driver)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Gate.PollMax, cfg.Gate.PollMax)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.Weights.Accuracy = 0.5
	cfg.Store.Driver = "postgres"
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	cfg.Archive.Driver = DriverS3

	err := cfg.Validate()
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)
	for _, want := range []string{"health weights", "store.driver", "kafka.brokers", "archive.bucket"} {
		assert.Contains(t, err.Error(), want)
	}
}
