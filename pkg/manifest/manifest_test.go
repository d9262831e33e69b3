package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
	"github.com/DrSkyle/cigraph/pkg/ingest"
)

const payments = `
locals {
  team = "payments"
}

ci "payments-db" {
  namespace        = "prod"
  type             = "database"
  owner            = "team-${local.team}"
  business_service = local.team
  cost_center      = upper(var.cc)
  tags             = { "control-family" = "PCI-DSS,SOX" }
}

ci "payments-api" {
  namespace = "prod"
  type      = "service"
  owner     = "team-${local.team}"
}

relationship "depends-on" {
  source   = "prod/payments-api"
  target   = "prod/payments-db"
  strength = 8
}
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(payments), "payments.hcl", map[string]string{"cc": "cc-42"})
	require.NoError(t, err)
	require.Len(t, m.CIs, 2)

	db := m.CIs[0]
	assert.Equal(t, "prod/payments-db", db.Key())
	assert.Equal(t, cmdb.CITypeDatabase, db.Type)
	assert.Equal(t, "team-payments", db.Owner)
	assert.Equal(t, "payments", db.BusinessService)
	assert.Equal(t, "CC-42", db.CostCenter)
	assert.Equal(t, cmdb.LifecycleProduction, db.Lifecycle)
	assert.Equal(t, cmdb.SourceManual, db.Source)
	assert.Equal(t, []string{"PCI-DSS", "SOX"}, db.ControlFamilies())

	require.Len(t, m.Relationships, 1)
	rel := m.Relationships[0]
	assert.Equal(t, cmdb.RelDependsOn, rel.Type)
	assert.Equal(t, 8, rel.Strength)
	assert.Equal(t, cmdb.Unidirectional, rel.Direction)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"syntax":        `ci "a" {`,
		"unknown type":  `ci "a" { type = "mainframe" }`,
		"missing type":  `ci "a" { owner = "x" }`,
		"unknown block": `service "a" { type = "service" }`,
		"bad edge":      "relationship \"likes\" {\n  source = \"a\"\n  target = \"b\"\n}",
		"self edge":     "relationship \"calls\" {\n  source = \"a\"\n  target = \"a\"\n}",
		"duplicate":     `ci "a" { type = "service" }` + "\n" + `ci "a" { type = "database" }`,
		"missing var":   `ci "a" { type = var.kind }`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), "bad.hcl", nil)
			require.Error(t, err)
			if name != "bad edge" && name != "self edge" {
				assert.ErrorIs(t, err, cmdb.ErrValidation)
			} else {
				assert.ErrorIs(t, err, cmdb.ErrInvalidRelationship)
			}
		})
	}
}

func TestLoadDirAndApply(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-payments.hcl"), []byte(payments), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-web.hcl"), []byte(`
ci "web" {
  type = "application"
}
relationship "calls" {
  source = "web"
  target = "prod/payments-api"
}
relationship "calls" {
  source = "web"
  target = "prod/ghost"
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	m, err := Load(dir, map[string]string{"cc": "x"})
	require.NoError(t, err)
	assert.Len(t, m.CIs, 3)
	assert.Len(t, m.Relationships, 3)

	clock := func() time.Time { return graphtest.Epoch }
	store := graph.NewMemoryStore(graph.WithClock(clock))
	err = m.Apply(context.Background(), ingest.NewProcessor(store, ingest.WithClock(clock)))
	require.ErrorIs(t, err, cmdb.ErrDanglingReference)

	rels, err := store.ListRelationshipsFor(context.Background(), "prod/payments-api", graph.Both)
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}
