// Package manifest loads manually maintained CIs and relationships from HCL files.
//
//	locals {
//	  team = "payments"
//	}
//
//	ci "payments-db" {
//	  namespace        = "prod"
//	  type             = "database"
//	  owner            = "team-${local.team}"
//	  business_service = local.team
//	  tags             = { "control-family" = "PCI-DSS,SOX" }
//	}
//
//	relationship "depends-on" {
//	  source   = "prod/payments-api"
//	  target   = "prod/payments-db"
//	  strength = 8
//	}
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/ingest"
)

// Extension of manifest files in a directory.
const Extension = ".hcl"

type ciBlock struct {
	Name            string            `hcl:"name,label"`
	Namespace       string            `hcl:"namespace,optional"`
	Type            string            `hcl:"type"`
	Owner           string            `hcl:"owner,optional"`
	BusinessService string            `hcl:"business_service,optional"`
	CostCenter      string            `hcl:"cost_center,optional"`
	Lifecycle       string            `hcl:"lifecycle,optional"`
	Tags            map[string]string `hcl:"tags,optional"`
}

type relBlock struct {
	Type      string `hcl:"type,label"`
	Source    string `hcl:"source"`
	Target    string `hcl:"target"`
	Strength  *int   `hcl:"strength,optional"`
	Direction string `hcl:"direction,optional"`
}

type body struct {
	CIs           []*ciBlock  `hcl:"ci,block"`
	Relationships []*relBlock `hcl:"relationship,block"`
}

var localsSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "locals"}},
}

var functions = map[string]function.Function{
	"upper":  stdlib.UpperFunc,
	"lower":  stdlib.LowerFunc,
	"join":   stdlib.JoinFunc,
	"format": stdlib.FormatFunc,
	"concat": stdlib.ConcatFunc,
}

// Manifest is the decoded content of one or more files.
type Manifest struct {
	CIs           []*cmdb.CI
	Relationships []*cmdb.Relationship
}

// Load reads path, a single file or a directory of *.hcl files. vars are
// exposed to expressions as var.<name>.
func Load(path string, vars map[string]string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dir %s: %w", path, err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	parser := hclparse.NewParser()
	m := &Manifest{}
	for _, f := range files {
		file, diags := parser.ParseHCLFile(f)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w: %s", cmdb.ErrValidation, diags.Error())
		}
		if err := m.decode(file, vars); err != nil {
			return nil, err
		}
	}
	return m, m.check()
}

// Parse decodes a single in-memory document.
func Parse(src []byte, filename string, vars map[string]string) (*Manifest, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", cmdb.ErrValidation, diags.Error())
	}
	m := &Manifest{}
	if err := m.decode(file, vars); err != nil {
		return nil, err
	}
	return m, m.check()
}

func (m *Manifest) decode(file *hcl.File, vars map[string]string) error {
	varVals := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		varVals[k] = cty.StringVal(v)
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(varVals)},
		Functions: functions,
	}

	content, rest, diags := file.Body.PartialContent(localsSchema)
	if diags.HasErrors() {
		return fmt.Errorf("%w: %s", cmdb.ErrValidation, diags.Error())
	}
	locals := make(map[string]cty.Value)
	for _, block := range content.Blocks {
		attrs, diags := block.Body.JustAttributes()
		if diags.HasErrors() {
			return fmt.Errorf("%w: %s", cmdb.ErrValidation, diags.Error())
		}
		for name, attr := range attrs {
			v, diags := attr.Expr.Value(ctx)
			if diags.HasErrors() {
				return fmt.Errorf("%w: %s", cmdb.ErrValidation, diags.Error())
			}
			locals[name] = v
		}
	}
	ctx.Variables["local"] = cty.ObjectVal(locals)

	var b body
	if diags := gohcl.DecodeBody(rest, ctx, &b); diags.HasErrors() {
		return fmt.Errorf("%w: %s", cmdb.ErrValidation, diags.Error())
	}
	for _, c := range b.CIs {
		ci := &cmdb.CI{
			Name:            c.Name,
			Namespace:       c.Namespace,
			Type:            cmdb.CIType(c.Type),
			Owner:           c.Owner,
			BusinessService: c.BusinessService,
			CostCenter:      c.CostCenter,
			Lifecycle:       cmdb.LifecycleState(c.Lifecycle),
			Tags:            c.Tags,
			Source:          cmdb.SourceManual,
		}
		if ci.Lifecycle == "" {
			ci.Lifecycle = cmdb.LifecycleProduction
		}
		if err := ci.Validate(); err != nil {
			return err
		}
		m.CIs = append(m.CIs, ci)
	}
	for _, r := range b.Relationships {
		rel := &cmdb.Relationship{
			Source:    r.Source,
			Target:    r.Target,
			Type:      cmdb.RelationshipType(r.Type),
			Direction: cmdb.Direction(r.Direction),
			Strength:  5,
		}
		if r.Strength != nil {
			rel.Strength = *r.Strength
		}
		rel.Normalize()
		if err := rel.Validate(); err != nil {
			return err
		}
		m.Relationships = append(m.Relationships, rel)
	}
	return nil
}

// check rejects duplicate CI keys across files.
func (m *Manifest) check() error {
	seen := make(map[string]bool, len(m.CIs))
	for _, ci := range m.CIs {
		if seen[ci.Key()] {
			return fmt.Errorf("%w: ci %s declared twice", cmdb.ErrValidation, ci.Key())
		}
		seen[ci.Key()] = true
	}
	return nil
}

// Sink receives manifest entries. ingest.Processor implements it.
type Sink interface {
	Handle(ctx context.Context, ev ingest.Event) error
}

// Apply upserts every CI, then every relationship. It continues past
// failures and returns them joined.
func (m *Manifest) Apply(ctx context.Context, sink Sink) error {
	var errs []error
	for _, ci := range m.CIs {
		if err := sink.Handle(ctx, ingest.Event{Kind: ingest.KindCIUpsert, CI: ci}); err != nil {
			errs = append(errs, fmt.Errorf("ci %s: %w", ci.Key(), err))
		}
	}
	for _, rel := range m.Relationships {
		if err := sink.Handle(ctx, ingest.Event{Kind: ingest.KindRelationshipObserved, Relationship: rel}); err != nil {
			errs = append(errs, fmt.Errorf("relationship %s -> %s: %w", rel.Source, rel.Target, err))
		}
	}
	return errors.Join(errs...)
}
