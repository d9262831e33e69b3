// Package cmdb defines the configuration item, relationship and change request model.
package cmdb

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CIType classifies a configuration item.
type CIType string

const (
	CITypeCompute     CIType = "compute"
	CITypeContainer   CIType = "container"
	CITypeService     CIType = "service"
	CITypeNetwork     CIType = "network"
	CITypeDatabase    CIType = "database"
	CITypeStorage     CIType = "storage"
	CITypeApplication CIType = "application"
	CITypePlatform    CIType = "platform"
)

var ciTypes = map[CIType]bool{
	CITypeCompute: true, CITypeContainer: true, CITypeService: true, CITypeNetwork: true,
	CITypeDatabase: true, CITypeStorage: true, CITypeApplication: true, CITypePlatform: true,
}

// Valid reports whether t is a known CI type.
func (t CIType) Valid() bool { return ciTypes[t] }

// ComplianceState is the result of the last compliance scan.
type ComplianceState string

const (
	ComplianceCompliant    ComplianceState = "compliant"
	ComplianceNonCompliant ComplianceState = "non-compliant"
	ComplianceUnknown      ComplianceState = "unknown"
	CompliancePendingScan  ComplianceState = "pending-scan"
)

// Valid reports whether s is a known compliance state.
func (s ComplianceState) Valid() bool {
	switch s {
	case ComplianceCompliant, ComplianceNonCompliant, ComplianceUnknown, CompliancePendingScan:
		return true
	}
	return false
}

// Source records how a CI entered the graph.
type Source string

const (
	SourceAutoDiscovered Source = "auto-discovered"
	SourceManual         Source = "manual"
)

// Well-known tag keys.
const (
	TagControlFamily = "control-family"
)

// Finding is a single compliance scan finding.
type Finding struct {
	ID       string `json:"id"`
	Severity string `json:"severity,omitempty"`
	Title    string `json:"title,omitempty"`
}

// ComplianceSnapshot is owned by the compliance collaborator.
type ComplianceSnapshot struct {
	State    ComplianceState `json:"state"`
	LastScan time.Time       `json:"last_scan,omitempty"`
	Findings []Finding       `json:"findings,omitempty"`
}

// FederationRef links a CI to its mirror in an external CMDB.
type FederationRef struct {
	System     string    `json:"system"`
	ExternalID string    `json:"external_id"`
	SyncStatus string    `json:"sync_status"`
	LastSync   time.Time `json:"last_sync"`
}

// CI is a configuration item.
type CI struct {
	Name            string             `json:"name"`
	Namespace       string             `json:"namespace,omitempty"`
	Type            CIType             `json:"type"`
	Owner           string             `json:"owner,omitempty"`
	BusinessService string             `json:"business_service,omitempty"`
	CostCenter      string             `json:"cost_center,omitempty"`
	Tags            map[string]string  `json:"tags,omitempty"`
	Lifecycle       LifecycleState     `json:"lifecycle"`
	PendingChange   string             `json:"pending_change,omitempty"`
	Compliance      ComplianceSnapshot `json:"compliance"`
	InboundCount    int                `json:"inbound_count"`
	OutboundCount   int                `json:"outbound_count"`
	Federation      []FederationRef    `json:"federation,omitempty"`
	Source          Source             `json:"source,omitempty"`
	LastReconciled  time.Time          `json:"last_reconciled,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	ResourceVersion int64              `json:"resource_version"`
}

// Key returns the store identity of the CI.
func (c *CI) Key() string {
	return CIKey(c.Namespace, c.Name)
}

// CIKey joins a namespace and name into a store identity.
func CIKey(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}

// ControlFamilies returns the deduplicated control-family tags of the CI.
func (c *CI) ControlFamilies() []string {
	raw := c.Tags[TagControlFamily]
	if raw == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	sort.Strings(out)
	return out
}

// Validate checks the fields a writer controls.
func (c *CI) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: ci name is required", ErrValidation)
	}
	if strings.Contains(c.Name, "/") {
		return fmt.Errorf("%w: ci name %q must not contain '/'", ErrValidation, c.Name)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown ci type %q", ErrValidation, c.Type)
	}
	if !c.Lifecycle.Valid() {
		return fmt.Errorf("%w: unknown lifecycle state %q", ErrValidation, c.Lifecycle)
	}
	if c.Compliance.State != "" && !c.Compliance.State.Valid() {
		return fmt.Errorf("%w: unknown compliance state %q", ErrValidation, c.Compliance.State)
	}
	return nil
}

// Clone returns a deep copy.
func (c *CI) Clone() *CI {
	if c == nil {
		return nil
	}
	out := *c
	if c.Tags != nil {
		out.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	if c.Compliance.Findings != nil {
		out.Compliance.Findings = append([]Finding(nil), c.Compliance.Findings...)
	}
	if c.Federation != nil {
		out.Federation = append([]FederationRef(nil), c.Federation...)
	}
	return &out
}

// SetFederationRef inserts or replaces the reference for ref.System.
func (c *CI) SetFederationRef(ref FederationRef) {
	for i := range c.Federation {
		if c.Federation[i].System == ref.System {
			c.Federation[i] = ref
			return
		}
	}
	c.Federation = append(c.Federation, ref)
}
