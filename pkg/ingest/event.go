// Package ingest applies externally observed facts to the graph.
package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Kind names an event type.
type Kind string

const (
	KindCIUpsert             Kind = "ci-upsert"
	KindCIDeleteIntent       Kind = "ci-delete-intent"
	KindRelationshipObserved Kind = "relationship-observed"
	KindComplianceScan       Kind = "compliance-scan"
	KindFlowObserved         Kind = "flow-observed"
	KindFederationSync       Kind = "federation-sync"
)

// Event is one external fact. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind         Kind                `json:"kind"`
	Key          string              `json:"key,omitempty"`
	CI           *cmdb.CI            `json:"ci,omitempty"`
	Relationship *cmdb.Relationship  `json:"relationship,omitempty"`
	Compliance   *ComplianceScan     `json:"compliance,omitempty"`
	Flow         *FlowObservation    `json:"flow,omitempty"`
	Federation   *cmdb.FederationRef `json:"federation,omitempty"`
	ObservedAt   time.Time           `json:"observed_at,omitempty"`
}

// ComplianceScan is the result reported by the compliance collaborator.
type ComplianceScan struct {
	State         cmdb.ComplianceState `json:"state"`
	Findings      []cmdb.Finding       `json:"findings,omitempty"`
	ScanTimestamp time.Time            `json:"scan_timestamp"`
}

// FlowObservation is a call edge seen by the auto-discovery collaborator
// over an observation window.
type FlowObservation struct {
	Source            string        `json:"source"`
	Target            string        `json:"target"`
	RequestsPerMinute float64       `json:"requests_per_minute"`
	P50Latency        time.Duration `json:"p50_latency"`
	StrengthHint      int           `json:"strength_hint,omitempty"`
	WindowStart       time.Time     `json:"window_start"`
	WindowEnd         time.Time     `json:"window_end"`
}

// StrengthFunc maps a flow to a relationship strength in 1..10.
type StrengthFunc func(FlowObservation) int

// DefaultStrength prefers the collaborator's hint. Otherwise request rate
// sets the base on a log scale and slow calls add weight.
func DefaultStrength(f FlowObservation) int {
	if f.StrengthHint > 0 {
		return cmdb.ClampStrength(f.StrengthHint)
	}
	s := int(math.Ceil(2 * math.Log10(f.RequestsPerMinute+1)))
	switch {
	case f.P50Latency >= 500*time.Millisecond:
		s += 2
	case f.P50Latency >= 100*time.Millisecond:
		s++
	}
	return cmdb.ClampStrength(s)
}

// Validate checks that the payload matching Kind is present.
func (e *Event) Validate() error {
	var ok bool
	switch e.Kind {
	case KindCIUpsert:
		ok = e.CI != nil
	case KindCIDeleteIntent:
		ok = e.Key != ""
	case KindRelationshipObserved:
		ok = e.Relationship != nil
	case KindComplianceScan:
		ok = e.Key != "" && e.Compliance != nil
	case KindFlowObserved:
		ok = e.Flow != nil && e.Flow.Source != "" && e.Flow.Target != ""
	case KindFederationSync:
		ok = e.Key != "" && e.Federation != nil && e.Federation.System != ""
	default:
		return fmt.Errorf("%w: unknown event kind %q", cmdb.ErrValidation, e.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s event is missing its payload", cmdb.ErrValidation, e.Kind)
	}
	return nil
}
