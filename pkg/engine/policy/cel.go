package policy

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// DynamicRule is a user-defined risk rule loaded from YAML.
type DynamicRule struct {
	ID        string    `yaml:"id" json:"id"`
	Condition string    `yaml:"condition" json:"condition"` // CEL expression: "controls > 3 && services >= 2"
	Risk      cmdb.Risk `yaml:"risk" json:"risk"`
}

// RuleFile is the YAML document shape.
type RuleFile struct {
	Rules []DynamicRule `yaml:"rules"`
}

type compiledRule struct {
	rule DynamicRule
	prg  cel.Program
}

// CELClassifier evaluates CEL rules over the signals and returns the highest
// risk among matching rules. With no match it defers to Fallback.
type CELClassifier struct {
	env      *cel.Env
	programs []compiledRule
	Fallback RiskClassifier
	logger   *slog.Logger
}

// NewCELClassifier initializes the CEL environment with the signal variables.
func NewCELClassifier(fallback RiskClassifier, logger *slog.Logger) (*CELClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("controls", cel.IntType),
		cel.Variable("users", cel.IntType),
		cel.Variable("services", cel.IntType),
		cel.Variable("total", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CELClassifier{env: env, Fallback: fallback, logger: logger}, nil
}

// LoadRules reads a YAML rule file and compiles it into a classifier.
func LoadRules(path string, fallback RiskClassifier, logger *slog.Logger) (*CELClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rules yaml: %v", cmdb.ErrConfigInvalid, err)
	}
	c, err := NewCELClassifier(fallback, logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Compiling risk rules", "count", len(file.Rules), "file", path)
	if err := c.Compile(file.Rules); err != nil {
		return nil, err
	}
	return c, nil
}

// Compile compiles rules into executable programs. Rules keep file order.
func (c *CELClassifier) Compile(rules []DynamicRule) error {
	for _, r := range rules {
		if !r.Risk.Valid() {
			return fmt.Errorf("%w: rule %s has unknown risk %q", cmdb.ErrConfigInvalid, r.ID, r.Risk)
		}
		ast, issues := c.env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("%w: rule %s compilation error: %v", cmdb.ErrConfigInvalid, r.ID, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return fmt.Errorf("%w: rule %s must evaluate to bool, got %s", cmdb.ErrConfigInvalid, r.ID, ast.OutputType())
		}
		prg, err := c.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %s program creation error: %w", r.ID, err)
		}
		c.programs = append(c.programs, compiledRule{rule: r, prg: prg})
	}
	return nil
}

// Matches returns the rules whose condition holds for s.
func (c *CELClassifier) Matches(s Signals) []DynamicRule {
	vars := map[string]any{
		"controls": int64(s.Controls),
		"users":    int64(s.Users),
		"services": int64(s.Services),
		"total":    int64(s.Total),
	}
	var matches []DynamicRule
	for _, p := range c.programs {
		out, _, err := p.prg.Eval(vars)
		if err != nil {
			c.logger.Error("Rule evaluation failed", "rule_id", p.rule.ID, "error", err)
			continue
		}
		if match, ok := out.Value().(bool); ok && match {
			matches = append(matches, p.rule)
		}
	}
	return matches
}

func (c *CELClassifier) Classify(s Signals) cmdb.Risk {
	matches := c.Matches(s)
	if len(matches) == 0 {
		if c.Fallback != nil {
			return c.Fallback.Classify(s)
		}
		return cmdb.RiskLow
	}
	risk := cmdb.RiskLow
	for _, m := range matches {
		risk = risk.Max(m.Risk)
	}
	return risk
}
