package cmdb

import (
	"fmt"
	"time"
)

// ChangeType classifies a ChangeRequest.
type ChangeType string

const (
	ChangeStandard  ChangeType = "standard"
	ChangeNormal    ChangeType = "normal"
	ChangeEmergency ChangeType = "emergency"
	ChangeAutomated ChangeType = "automated"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeStandard, ChangeNormal, ChangeEmergency, ChangeAutomated:
		return true
	}
	return false
}

// Risk is a four level risk classification.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

var riskRank = map[Risk]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// Valid reports whether r is a known risk level.
func (r Risk) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Max returns the higher of r and o.
func (r Risk) Max(o Risk) Risk {
	if riskRank[o] > riskRank[r] {
		return o
	}
	return r
}

// ChangeStatus is the state of a ChangeRequest.
type ChangeStatus string

const (
	StatusDraft           ChangeStatus = "draft"
	StatusPendingApproval ChangeStatus = "pending-approval"
	StatusApproved        ChangeStatus = "approved"
	StatusRejected        ChangeStatus = "rejected"
	StatusScheduled       ChangeStatus = "scheduled"
	StatusInProgress      ChangeStatus = "in-progress"
	StatusCompleted       ChangeStatus = "completed"
	StatusRolledBack      ChangeStatus = "rolled-back"
	StatusCancelled       ChangeStatus = "cancelled"
)

// Terminal reports whether no further transition exists.
func (s ChangeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Gated reports whether s is one of the states in which the gate may open.
func (s ChangeStatus) Gated() bool {
	switch s {
	case StatusApproved, StatusScheduled, StatusInProgress:
		return true
	}
	return false
}

// ChangePhase is the coarse, informational stage of a ChangeRequest.
type ChangePhase string

const (
	PhasePlanning       ChangePhase = "planning"
	PhaseReview         ChangePhase = "review"
	PhaseImplementation ChangePhase = "implementation"
	PhaseClosed         ChangePhase = "closed"
)

// PhaseFor maps a status to its phase.
func PhaseFor(s ChangeStatus) ChangePhase {
	switch s {
	case StatusDraft:
		return PhasePlanning
	case StatusPendingApproval:
		return PhaseReview
	case StatusApproved, StatusScheduled, StatusInProgress:
		return PhaseImplementation
	}
	return PhaseClosed
}

// Verdict of an approver.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Decision is one approver verdict. Decisions are append-only.
type Decision struct {
	Approver string    `json:"approver"`
	Verdict  Verdict   `json:"verdict"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Mutation is the desired-state change applied to a CI when the change completes.
type Mutation struct {
	CI              string            `json:"ci"`
	TargetLifecycle LifecycleState    `json:"target_lifecycle,omitempty"`
	Owner           string            `json:"owner,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// ImpactSummary is the analyzer output attached on approval.
type ImpactSummary struct {
	Available          bool      `json:"available"`
	CICount            int       `json:"ci_count"`
	DirectDependents   []string  `json:"direct_dependents,omitempty"`
	IndirectDependents []string  `json:"indirect_dependents,omitempty"`
	ImpactedServices   []string  `json:"impacted_services,omitempty"`
	ImpactedControls   []string  `json:"impacted_controls,omitempty"`
	EstimatedUsers     int       `json:"estimated_users"`
	Risk               Risk      `json:"risk,omitempty"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
	Error              string    `json:"error,omitempty"`
}

// ChangeRequest is a change-control record.
type ChangeRequest struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Type                ChangeType     `json:"type"`
	Risk                Risk           `json:"risk"`
	Requester           string         `json:"requester"`
	AffectedCIs         []string       `json:"affected_cis"`
	AffectedServices    []string       `json:"affected_services,omitempty"`
	Mutations           []Mutation     `json:"mutations,omitempty"`
	RequiredApprovers   int            `json:"required_approvers"`
	AuthorizedApprovers []string       `json:"authorized_approvers,omitempty"`
	Decisions           []Decision     `json:"decisions,omitempty"`
	Window              Window         `json:"window"`
	RollbackPlan        string         `json:"rollback_plan"`
	Status              ChangeStatus   `json:"status"`
	Phase               ChangePhase    `json:"phase"`
	StatusReason        string         `json:"status_reason,omitempty"`
	Impact              *ImpactSummary `json:"impact,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	SubmittedAt         time.Time      `json:"submitted_at,omitempty"`
	ApprovalExpiresAt   time.Time      `json:"approval_expires_at,omitempty"`
	ClosedAt            time.Time      `json:"closed_at,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
	ResourceVersion     int64          `json:"resource_version"`
}

// CurrentApprovals counts distinct approvers with an approve verdict.
func (cr *ChangeRequest) CurrentApprovals() int {
	seen := make(map[string]bool)
	for _, d := range cr.Decisions {
		if d.Verdict == VerdictApprove {
			seen[d.Approver] = true
		}
	}
	return len(seen)
}

// Rejections returns the reject decisions.
func (cr *ChangeRequest) Rejections() []Decision {
	var out []Decision
	for _, d := range cr.Decisions {
		if d.Verdict == VerdictReject {
			out = append(out, d)
		}
	}
	return out
}

// HasApproved reports whether approver already approved.
func (cr *ChangeRequest) HasApproved(approver string) bool {
	for _, d := range cr.Decisions {
		if d.Approver == approver && d.Verdict == VerdictApprove {
			return true
		}
	}
	return false
}

// Authorized reports whether approver may decide. An empty allow-list admits anyone.
func (cr *ChangeRequest) Authorized(approver string) bool {
	if len(cr.AuthorizedApprovers) == 0 {
		return true
	}
	for _, a := range cr.AuthorizedApprovers {
		if a == approver {
			return true
		}
	}
	return false
}

// AwaitingApprover reports whether the request is pending and approver could still approve it.
func (cr *ChangeRequest) AwaitingApprover(approver string) bool {
	if cr.Status != StatusPendingApproval {
		return false
	}
	if approver == "" {
		return true
	}
	return cr.Authorized(approver) && !cr.HasApproved(approver)
}

// Validate checks a request before it is stored.
func (cr *ChangeRequest) Validate() error {
	if cr.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if !cr.Type.Valid() {
		return fmt.Errorf("%w: unknown change type %q", ErrValidation, cr.Type)
	}
	if cr.Risk != "" && !cr.Risk.Valid() {
		return fmt.Errorf("%w: unknown risk %q", ErrValidation, cr.Risk)
	}
	if cr.RequiredApprovers < 1 {
		return fmt.Errorf("%w: required_approvers must be at least 1", ErrValidation)
	}
	if len(cr.AuthorizedApprovers) > 0 && len(cr.AuthorizedApprovers) < cr.RequiredApprovers {
		return fmt.Errorf("%w: %d authorized approvers cannot satisfy %d required", ErrValidation,
			len(cr.AuthorizedApprovers), cr.RequiredApprovers)
	}
	for _, m := range cr.Mutations {
		if m.TargetLifecycle != "" && !m.TargetLifecycle.Valid() {
			return fmt.Errorf("%w: mutation of %s: unknown lifecycle %q", ErrValidation, m.CI, m.TargetLifecycle)
		}
	}
	return cr.Window.Validate()
}

// Clone returns a deep copy.
func (cr *ChangeRequest) Clone() *ChangeRequest {
	if cr == nil {
		return nil
	}
	out := *cr
	out.AffectedCIs = append([]string(nil), cr.AffectedCIs...)
	out.AffectedServices = append([]string(nil), cr.AffectedServices...)
	out.AuthorizedApprovers = append([]string(nil), cr.AuthorizedApprovers...)
	out.Decisions = append([]Decision(nil), cr.Decisions...)
	if cr.Mutations != nil {
		out.Mutations = make([]Mutation, len(cr.Mutations))
		for i, m := range cr.Mutations {
			out.Mutations[i] = m
			if m.Tags != nil {
				out.Mutations[i].Tags = make(map[string]string, len(m.Tags))
				for k, v := range m.Tags {
					out.Mutations[i].Tags[k] = v
				}
			}
		}
	}
	if cr.Impact != nil {
		imp := *cr.Impact
		imp.DirectDependents = append([]string(nil), cr.Impact.DirectDependents...)
		imp.IndirectDependents = append([]string(nil), cr.Impact.IndirectDependents...)
		imp.ImpactedServices = append([]string(nil), cr.Impact.ImpactedServices...)
		imp.ImpactedControls = append([]string(nil), cr.Impact.ImpactedControls...)
		out.Impact = &imp
	}
	return &out
}
