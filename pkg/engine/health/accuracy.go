package health

import (
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// AccuracyCheck returns the self-inconsistencies of ci. No problems means accurate.
type AccuracyCheck func(ci *cmdb.CI, now time.Time) []string

// DefaultAccuracyCheck trusts machine-discovered CIs and cross-checks manual ones.
func DefaultAccuracyCheck(ci *cmdb.CI, now time.Time) []string {
	if ci.Source == cmdb.SourceAutoDiscovered {
		return nil
	}
	var problems []string
	if !ci.Type.Valid() {
		problems = append(problems, "unknown type")
	}
	if ci.Compliance.State == cmdb.ComplianceCompliant && len(ci.Compliance.Findings) > 0 {
		problems = append(problems, "compliant with open findings")
	}
	if (ci.Lifecycle == cmdb.LifecycleRetired || ci.Lifecycle == cmdb.LifecycleArchived) && ci.PendingChange != "" {
		problems = append(problems, "retired with a pending change")
	}
	if ci.Compliance.LastScan.After(now) {
		problems = append(problems, "last scan in the future")
	}
	return problems
}

// StrictAccuracyCheck applies DefaultAccuracyCheck to every CI regardless of source.
func StrictAccuracyCheck(ci *cmdb.CI, now time.Time) []string {
	manual := *ci
	manual.Source = cmdb.SourceManual
	return DefaultAccuracyCheck(&manual, now)
}
