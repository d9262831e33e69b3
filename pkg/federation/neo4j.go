package federation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Neo4jConfig holds mirror connection settings.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Neo4jMirror writes CIs as :CI nodes and relationships as typed edges.
type Neo4jMirror struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4jMirror connects to a Neo4j or Memgraph server over Bolt.
func NewNeo4jMirror(cfg Neo4jConfig, logger *slog.Logger) (*Neo4jMirror, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jMirror{driver: driver, database: cfg.Database, logger: logger}, nil
}

func (m *Neo4jMirror) System() string { return "neo4j" }

// VerifyConnectivity checks that the server is reachable.
func (m *Neo4jMirror) VerifyConnectivity(ctx context.Context) error {
	return m.driver.VerifyConnectivity(ctx)
}

func (m *Neo4jMirror) Close(ctx context.Context) error { return m.driver.Close(ctx) }

func (m *Neo4jMirror) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: m.database})
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, work)
}

// PushCI merges the node by key and returns its element ID.
func (m *Neo4jMirror) PushCI(ctx context.Context, ci *cmdb.CI) (string, error) {
	props := map[string]any{
		"key":              ci.Key(),
		"name":             ci.Name,
		"namespace":        ci.Namespace,
		"type":             string(ci.Type),
		"owner":            ci.Owner,
		"business_service": ci.BusinessService,
		"lifecycle":        string(ci.Lifecycle),
		"compliance":       string(ci.Compliance.State),
		"updated_at":       ci.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	res, err := m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (c:CI {key: $key})
			SET c += $props
			RETURN elementId(c) AS id
		`, map[string]any{"key": ci.Key(), "props": props})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		id, _ := record.Get("id")
		return id, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to merge ci %s: %w", ci.Key(), err)
	}
	id, _ := res.(string)
	return id, nil
}

// PushRelationship merges the edge between two mirrored nodes. Inactive
// edges are removed from the mirror.
func (m *Neo4jMirror) PushRelationship(ctx context.Context, rel *cmdb.Relationship) error {
	var cypher string
	if rel.Active {
		cypher = fmt.Sprintf(`
			MATCH (s:CI {key: $source}), (t:CI {key: $target})
			MERGE (s)-[r:%s {id: $id}]->(t)
			SET r.strength = $strength, r.direction = $direction, r.auto_discovered = $auto
		`, relLabel(rel.Type))
	} else {
		cypher = fmt.Sprintf(`MATCH ()-[r:%s {id: $id}]->() DELETE r`, relLabel(rel.Type))
	}
	_, err := m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        rel.ID,
			"source":    rel.Source,
			"target":    rel.Target,
			"strength":  rel.Strength,
			"direction": string(rel.Direction),
			"auto":      rel.AutoDiscovered,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to merge relationship %s: %w", rel.ID, err)
	}
	return nil
}

// relLabel turns "depends-on" into DEPENDS_ON. Types are a closed set, so
// the result is always a safe label.
func relLabel(t cmdb.RelationshipType) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(string(t)) {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == '_':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "RELATES_TO"
	}
	return b.String()
}
