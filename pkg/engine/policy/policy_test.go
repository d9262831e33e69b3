package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

func TestThresholdClassifier(t *testing.T) {
	c := NewThresholdClassifier(DefaultThresholds())
	tests := []struct {
		name string
		in   Signals
		want cmdb.Risk
	}{
		{"both zero", Signals{}, cmdb.RiskLow},
		{"few users", Signals{Users: 50}, cmdb.RiskLow},
		{"one control", Signals{Controls: 1}, cmdb.RiskMedium},
		{"users medium", Signals{Users: 500}, cmdb.RiskMedium},
		{"controls high", Signals{Controls: 3}, cmdb.RiskHigh},
		{"users high", Signals{Users: 5000}, cmdb.RiskHigh},
		{"controls critical", Signals{Controls: 6}, cmdb.RiskCritical},
		{"users critical", Signals{Users: 10001}, cmdb.RiskCritical},
		{"at critical bound", Signals{Controls: 5, Users: 10000}, cmdb.RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.in))
		})
	}
}

func TestCELClassifier(t *testing.T) {
	c, err := NewCELClassifier(NewThresholdClassifier(DefaultThresholds()), nil)
	require.NoError(t, err)

	rules := []DynamicRule{
		{ID: "many_services", Condition: "services >= 3", Risk: cmdb.RiskHigh},
		{ID: "wide_blast", Condition: "total > 50 && controls > 0", Risk: cmdb.RiskCritical},
	}
	require.NoError(t, c.Compile(rules))

	assert.Equal(t, cmdb.RiskHigh, c.Classify(Signals{Services: 3}))
	assert.Equal(t, cmdb.RiskCritical, c.Classify(Signals{Services: 3, Total: 60, Controls: 1}))
	// No rule matches: threshold fallback.
	assert.Equal(t, cmdb.RiskMedium, c.Classify(Signals{Controls: 1}))
	assert.Len(t, c.Matches(Signals{Services: 4, Total: 51, Controls: 2}), 2)
}

func TestCELClassifierRejectsBadRules(t *testing.T) {
	c, err := NewCELClassifier(nil, nil)
	require.NoError(t, err)

	err = c.Compile([]DynamicRule{{ID: "typo", Condition: "contrls > 1", Risk: cmdb.RiskHigh}})
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)

	err = c.Compile([]DynamicRule{{ID: "not_bool", Condition: "users + 1", Risk: cmdb.RiskHigh}})
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)

	err = c.Compile([]DynamicRule{{ID: "bad_risk", Condition: "users > 1", Risk: "extreme"}})
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	doc := `rules:
  - id: regulated
    condition: "controls >= 2"
    risk: high
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := LoadRules(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, cmdb.RiskHigh, c.Classify(Signals{Controls: 2}))
	assert.Equal(t, cmdb.RiskLow, c.Classify(Signals{Users: 1_000_000}))
}
