package cmdb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RelationshipType is the closed enumeration of edge types.
type RelationshipType string

// Infrastructure.
const (
	RelRunsOn    RelationshipType = "runs-on"
	RelHostedBy  RelationshipType = "hosted-by"
	RelManagedBy RelationshipType = "managed-by"
	RelContains  RelationshipType = "contains"
)

// Service.
const (
	RelCalls     RelationshipType = "calls"
	RelDependsOn RelationshipType = "depends-on"
	RelProvides  RelationshipType = "provides"
	RelConsumes  RelationshipType = "consumes"
	RelExposes   RelationshipType = "exposes"
)

// Data.
const (
	RelStoresDataIn RelationshipType = "stores-data-in"
	RelReadsFrom    RelationshipType = "reads-from"
	RelWritesTo     RelationshipType = "writes-to"
	RelBacksUp      RelationshipType = "backs-up"
)

// Organizational, compliance and business.
const (
	RelOwnedBy     RelationshipType = "owned-by"
	RelSupportedBy RelationshipType = "supported-by"
	RelProtectedBy RelationshipType = "protected-by"
	RelValidatedBy RelationshipType = "validated-by"
	RelMonitoredBy RelationshipType = "monitored-by"
	RelSupports    RelationshipType = "supports"
	RelEnables     RelationshipType = "enables"
)

// Family groups relationship types.
type Family string

const (
	FamilyInfrastructure Family = "infrastructure"
	FamilyService        Family = "service"
	FamilyData           Family = "data"
	FamilyOrganizational Family = "organizational"
)

var relationshipFamilies = map[RelationshipType]Family{
	RelRunsOn: FamilyInfrastructure, RelHostedBy: FamilyInfrastructure,
	RelManagedBy: FamilyInfrastructure, RelContains: FamilyInfrastructure,

	RelCalls: FamilyService, RelDependsOn: FamilyService, RelProvides: FamilyService,
	RelConsumes: FamilyService, RelExposes: FamilyService,

	RelStoresDataIn: FamilyData, RelReadsFrom: FamilyData, RelWritesTo: FamilyData, RelBacksUp: FamilyData,

	RelOwnedBy: FamilyOrganizational, RelSupportedBy: FamilyOrganizational, RelProtectedBy: FamilyOrganizational,
	RelValidatedBy: FamilyOrganizational, RelMonitoredBy: FamilyOrganizational,
	RelSupports: FamilyOrganizational, RelEnables: FamilyOrganizational,
}

// Types whose source is affected when the target changes.
var propagating = map[RelationshipType]bool{
	RelDependsOn: true, RelCalls: true, RelConsumes: true, RelRunsOn: true,
	RelHostedBy: true, RelStoresDataIn: true, RelReadsFrom: true, RelWritesTo: true,
}

// Valid reports whether t is a known relationship type.
func (t RelationshipType) Valid() bool {
	_, ok := relationshipFamilies[t]
	return ok
}

// Family returns the family of t, or "" when t is unknown.
func (t RelationshipType) Family() Family { return relationshipFamilies[t] }

// Propagates reports whether a change to the target impacts the source.
func (t RelationshipType) Propagates() bool { return propagating[t] }

// Direction of a relationship.
type Direction string

const (
	Unidirectional Direction = "unidirectional"
	Bidirectional  Direction = "bidirectional"
)

// Strength bounds.
const (
	MinStrength = 1
	MaxStrength = 10
)

// Relationship is a typed, directed edge between two CIs.
type Relationship struct {
	ID             string           `json:"id"`
	Source         string           `json:"source"`
	Target         string           `json:"target"`
	Type           RelationshipType `json:"type"`
	Direction      Direction        `json:"direction"`
	Strength       int              `json:"strength"`
	AutoDiscovered bool             `json:"auto_discovered"`
	ValidFrom      time.Time        `json:"valid_from,omitempty"`
	ValidUntil     time.Time        `json:"valid_until,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RelationshipID is the deterministic identity of an edge.
func RelationshipID(source, target string, typ RelationshipType) string {
	sum := sha256.Sum256([]byte(source + "|" + target + "|" + string(typ)))
	return hex.EncodeToString(sum[:8])
}

// Normalize fills the ID and defaults.
func (r *Relationship) Normalize() {
	r.ID = RelationshipID(r.Source, r.Target, r.Type)
	if r.Direction == "" {
		r.Direction = Unidirectional
	}
}

// Validate checks fields that do not need the store.
func (r *Relationship) Validate() error {
	if r.Source == "" || r.Target == "" {
		return fmt.Errorf("%w: source and target are required", ErrInvalidRelationship)
	}
	if r.Source == r.Target {
		return fmt.Errorf("%w: self relationship on %s", ErrInvalidRelationship, r.Source)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRelationship, r.Type)
	}
	if r.Direction != Unidirectional && r.Direction != Bidirectional {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRelationship, r.Direction)
	}
	if r.Strength < MinStrength || r.Strength > MaxStrength {
		return fmt.Errorf("%w: strength %d outside %d..%d", ErrInvalidRelationship, r.Strength, MinStrength, MaxStrength)
	}
	if !r.ValidUntil.IsZero() && !r.ValidFrom.IsZero() && r.ValidUntil.Before(r.ValidFrom) {
		return fmt.Errorf("%w: valid_until precedes valid_from", ErrInvalidRelationship)
	}
	return nil
}

// Live reports whether the edge participates in reads at now. Only
// auto-discovered edges lapse; manual ones persist until deleted.
func (r *Relationship) Live(now time.Time) bool {
	if !r.Active {
		return false
	}
	return !r.AutoDiscovered || r.ValidUntil.IsZero() || now.Before(r.ValidUntil)
}

// Other returns the endpoint opposite key.
func (r *Relationship) Other(key string) string {
	if r.Source == key {
		return r.Target
	}
	return r.Source
}

// Clone returns a copy.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// ClampStrength bounds s to 1..10.
func ClampStrength(s int) int {
	if s < MinStrength {
		return MinStrength
	}
	if s > MaxStrength {
		return MaxStrength
	}
	return s
}
