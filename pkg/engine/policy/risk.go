// Package policy classifies the risk of an impact result.
package policy

import "github.com/DrSkyle/cigraph/pkg/cmdb"

// Signals are the inputs to risk classification.
type Signals struct {
	Controls int // distinct impacted control families
	Users    int // estimated affected users
	Services int // distinct impacted business services
	Total    int // impacted CIs
}

// RiskClassifier maps impact signals to a risk level.
type RiskClassifier interface {
	Classify(s Signals) cmdb.Risk
}

// Level is one threshold pair. A signal strictly greater than its bound crosses it.
type Level struct {
	Controls int `mapstructure:"controls" yaml:"controls"`
	Users    int `mapstructure:"users" yaml:"users"`
}

func (l Level) crossed(s Signals) bool {
	return s.Controls > l.Controls || s.Users > l.Users
}

// Thresholds configures ThresholdClassifier.
type Thresholds struct {
	Medium   Level `mapstructure:"medium" yaml:"medium"`
	High     Level `mapstructure:"high" yaml:"high"`
	Critical Level `mapstructure:"critical" yaml:"critical"`
}

// DefaultThresholds returns the deployed default calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Medium:   Level{Controls: 0, Users: 100},
		High:     Level{Controls: 2, Users: 1000},
		Critical: Level{Controls: 5, Users: 10000},
	}
}

// ThresholdClassifier is the deterministic default classifier.
type ThresholdClassifier struct {
	T Thresholds
}

func NewThresholdClassifier(t Thresholds) *ThresholdClassifier {
	return &ThresholdClassifier{T: t}
}

func (c *ThresholdClassifier) Classify(s Signals) cmdb.Risk {
	switch {
	case s.Controls == 0 && s.Users == 0:
		return cmdb.RiskLow
	case c.T.Critical.crossed(s):
		return cmdb.RiskCritical
	case c.T.High.crossed(s):
		return cmdb.RiskHigh
	case c.T.Medium.crossed(s):
		return cmdb.RiskMedium
	}
	return cmdb.RiskLow
}

// ClassifierFunc adapts a function to RiskClassifier.
type ClassifierFunc func(Signals) cmdb.Risk

func (f ClassifierFunc) Classify(s Signals) cmdb.Risk { return f(s) }
