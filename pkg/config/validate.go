package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Validate reports every invalid setting at once, each wrapping cmdb.ErrConfigInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{cmdb.ErrConfigInvalid}, args...)...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		bad("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		bad("log_format %q is not json or text", c.LogFormat)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			bad("store.path is required for the sqlite driver")
		}
	default:
		bad("store.driver %q is not memory or sqlite", c.Store.Driver)
	}

	if c.Impact.DefaultMaxDepth < 1 || c.Impact.MaxDepthLimit < c.Impact.DefaultMaxDepth {
		bad("impact depth: need 1 <= default_max_depth (%d) <= max_depth_limit (%d)",
			c.Impact.DefaultMaxDepth, c.Impact.MaxDepthLimit)
	}
	if c.Gate.ApprovalTTL < 0 {
		bad("gate.approval_ttl must not be negative")
	}
	if c.Gate.PollInitial <= 0 || c.Gate.PollMax < c.Gate.PollInitial {
		bad("gate poll intervals: need 0 < poll_initial <= poll_max")
	}
	if err := c.Health.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			bad("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
			bad("kafka.topic and kafka.group_id are required when kafka is enabled")
		}
	}
	if c.Kubernetes.Enabled && c.Kubernetes.Cluster == "" {
		bad("kubernetes.cluster is required when kubernetes is enabled")
	}
	if c.Federation.Enabled {
		if c.Federation.Neo4j.URI == "" {
			bad("federation.neo4j.uri is required when federation is enabled")
		}
		if c.Federation.Interval <= 0 {
			bad("federation.interval must be positive")
		}
	}

	switch c.Archive.Driver {
	case "":
	case DriverLocal:
		if c.Archive.Path == "" {
			bad("archive.path is required for the local driver")
		}
	case DriverS3:
		if c.Archive.Bucket == "" {
			bad("archive.bucket is required for the s3 driver")
		}
	default:
		bad("archive.driver %q is not local or s3", c.Archive.Driver)
	}

	switch c.Lock.Driver {
	case DriverLocal:
	case DriverRedis:
		if c.Lock.Addr == "" {
			bad("lock.addr is required for the redis driver")
		}
	default:
		bad("lock.driver %q is not local or redis", c.Lock.Driver)
	}

	if c.Swarm.Min < 1 || c.Swarm.Max < c.Swarm.Min {
		bad("swarm bounds: need 1 <= min (%d) <= max (%d)", c.Swarm.Min, c.Swarm.Max)
	}
	if c.API.Addr == "" {
		bad("api.addr is required")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		bad("telemetry.sample_ratio %.2f outside 0..1", c.Telemetry.SampleRatio)
	}
	return errors.Join(errs...)
}
