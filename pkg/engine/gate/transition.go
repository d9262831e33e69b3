// Package gate implements the change-control state machine and the gating
// contract that decides whether a CI with a pending change may be reconciled.
package gate

import (
	"fmt"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// EventType names an input to the state machine.
type EventType string

const (
	EventSubmit     EventType = "submit"
	EventApprove    EventType = "approve"
	EventReject     EventType = "reject"
	EventSchedule   EventType = "schedule"
	EventStart      EventType = "start"
	EventSucceed    EventType = "succeed"
	EventFail       EventType = "fail"
	EventCancel     EventType = "cancel"
	EventReschedule EventType = "reschedule"
	EventExpire     EventType = "expire"
)

// Event is one input to Transition.
type Event struct {
	Type    EventType
	Actor   string
	Comment string
	Reason  string
	// Window replaces the implementation window on reschedule.
	Window *cmdb.Window
	// TTL bounds how long a submitted request waits for approval. Zero disables expiry.
	TTL time.Duration
}

// EffectKind names a side effect the caller must perform.
type EffectKind string

const (
	EffectLinkPending    EffectKind = "link-pending"
	EffectClearPending   EffectKind = "clear-pending"
	EffectAnalyzeImpact  EffectKind = "analyze-impact"
	EffectStartPolling   EffectKind = "start-polling"
	EffectStopPolling    EffectKind = "stop-polling"
	EffectArchive        EffectKind = "archive"
	EffectWarn           EffectKind = "warn"
	EffectApplyMutations EffectKind = "apply-mutations"
)

// Effect is a side effect produced by a transition.
type Effect struct {
	Kind    EffectKind
	Message string
}

// Transition applies ev to cr at now. It never mutates cr. A repeated approval
// from the same approver returns cr unchanged with no effects.
func Transition(cr cmdb.ChangeRequest, ev Event, now time.Time) (cmdb.ChangeRequest, []Effect, error) {
	next, effects, _, err := apply(cr, ev, now)
	return next, effects, err
}

func apply(cr cmdb.ChangeRequest, ev Event, now time.Time) (cmdb.ChangeRequest, []Effect, bool, error) {
	next := *cr.Clone()
	from := cr.Status
	invalid := func() (cmdb.ChangeRequest, []Effect, bool, error) {
		return cr, nil, false, fmt.Errorf("%w: cannot %s a change request in %s", cmdb.ErrInvalidTransition, ev.Type, from)
	}

	var effects []Effect
	switch ev.Type {
	case EventSubmit:
		if from != cmdb.StatusDraft {
			return invalid()
		}
		if len(cr.AffectedCIs) == 0 {
			return cr, nil, false, fmt.Errorf("%w: at least one affected CI is required", cmdb.ErrValidation)
		}
		if cr.RollbackPlan == "" {
			return cr, nil, false, fmt.Errorf("%w: a rollback plan is required", cmdb.ErrValidation)
		}
		if err := cr.Validate(); err != nil {
			return cr, nil, false, err
		}
		next.Status = cmdb.StatusPendingApproval
		next.SubmittedAt = now
		if ev.TTL > 0 {
			next.ApprovalExpiresAt = now.Add(ev.TTL)
		}
		next.StatusReason = fmt.Sprintf("awaiting approval: 0 of %d", cr.RequiredApprovers)
		effects = append(effects, Effect{Kind: EffectLinkPending})

	case EventApprove:
		if from != cmdb.StatusPendingApproval {
			return invalid()
		}
		if err := decide(&cr, ev, now); err != nil {
			return cr, nil, false, err
		}
		if cr.HasApproved(ev.Actor) {
			return cr, nil, false, nil
		}
		next.Decisions = append(next.Decisions, cmdb.Decision{
			Approver: ev.Actor, Verdict: cmdb.VerdictApprove, Comment: ev.Comment, At: now,
		})
		got := next.CurrentApprovals()
		if got < next.RequiredApprovers {
			next.StatusReason = fmt.Sprintf("awaiting approval: %d of %d", got, next.RequiredApprovers)
			break
		}
		next.Status = cmdb.StatusApproved
		next.StatusReason = fmt.Sprintf("approved: %d of %d required approvals", got, next.RequiredApprovers)
		effects = append(effects, Effect{Kind: EffectAnalyzeImpact}, Effect{Kind: EffectStartPolling})

	case EventReject:
		if from != cmdb.StatusPendingApproval {
			return invalid()
		}
		if err := decide(&cr, ev, now); err != nil {
			return cr, nil, false, err
		}
		reason := ev.Reason
		if reason == "" {
			reason = ev.Comment
		}
		next.Decisions = append(next.Decisions, cmdb.Decision{
			Approver: ev.Actor, Verdict: cmdb.VerdictReject, Comment: reason, At: now,
		})
		next.Status = cmdb.StatusRejected
		next.StatusReason = reason
		effects = append(effects, Effect{Kind: EffectClearPending}, Effect{Kind: EffectArchive})

	case EventSchedule:
		if from != cmdb.StatusApproved {
			return invalid()
		}
		next.Status = cmdb.StatusScheduled
		next.StatusReason = "scheduled for implementation window"

	case EventStart:
		if from != cmdb.StatusScheduled {
			return invalid()
		}
		if !cr.Window.Contains(now) {
			return cr, nil, false, fmt.Errorf("%w: %s", cmdb.ErrWindowNotActive, windowReason(cr.Window, now))
		}
		next.Status = cmdb.StatusInProgress
		next.StatusReason = "executing"

	case EventSucceed:
		if from != cmdb.StatusInProgress {
			return invalid()
		}
		next.Status = cmdb.StatusCompleted
		next.StatusReason = orDefault(ev.Reason, "change completed")
		effects = append(effects,
			Effect{Kind: EffectApplyMutations},
			Effect{Kind: EffectClearPending},
			Effect{Kind: EffectStopPolling},
			Effect{Kind: EffectArchive},
		)

	case EventFail:
		if from != cmdb.StatusInProgress {
			return invalid()
		}
		next.Status = cmdb.StatusRolledBack
		next.StatusReason = orDefault(ev.Reason, "change failed")
		effects = append(effects,
			Effect{Kind: EffectClearPending},
			Effect{Kind: EffectStopPolling},
			Effect{Kind: EffectArchive},
			Effect{Kind: EffectWarn, Message: "change rolled back: " + next.StatusReason},
		)

	case EventCancel:
		switch from {
		case cmdb.StatusDraft, cmdb.StatusPendingApproval, cmdb.StatusApproved, cmdb.StatusScheduled:
		default:
			return invalid()
		}
		next.Status = cmdb.StatusCancelled
		next.StatusReason = orDefault(ev.Reason, "cancelled by "+orDefault(ev.Actor, "operator"))
		effects = append(effects, Effect{Kind: EffectStopPolling}, Effect{Kind: EffectArchive})
		if from != cmdb.StatusDraft {
			effects = append([]Effect{{Kind: EffectClearPending}}, effects...)
		}

	case EventReschedule:
		if from != cmdb.StatusApproved && from != cmdb.StatusScheduled {
			return invalid()
		}
		if ev.Window == nil {
			return cr, nil, false, fmt.Errorf("%w: reschedule requires a window", cmdb.ErrValidation)
		}
		if err := ev.Window.Validate(); err != nil {
			return cr, nil, false, err
		}
		if ev.Window.Passed(now) {
			return cr, nil, false, fmt.Errorf("%w: new window already closed", cmdb.ErrValidation)
		}
		next.Window = *ev.Window
		next.StatusReason = "rescheduled"
		effects = append(effects, Effect{Kind: EffectStartPolling})

	case EventExpire:
		if from != cmdb.StatusPendingApproval || cr.ApprovalExpiresAt.IsZero() || now.Before(cr.ApprovalExpiresAt) {
			return invalid()
		}
		next.Status = cmdb.StatusCancelled
		next.StatusReason = ReasonExpired
		effects = append(effects, Effect{Kind: EffectClearPending}, Effect{Kind: EffectArchive})

	default:
		return cr, nil, false, fmt.Errorf("%w: unknown event %q", cmdb.ErrValidation, ev.Type)
	}

	next.Phase = cmdb.PhaseFor(next.Status)
	next.UpdatedAt = now
	if next.Status.Terminal() && next.ClosedAt.IsZero() {
		next.ClosedAt = now
	}
	return next, effects, true, nil
}

// ReasonExpired is the status reason of an auto-cancelled approval.
const ReasonExpired = "approval request expired"

// decide checks that ev.Actor may record a decision on cr at now.
func decide(cr *cmdb.ChangeRequest, ev Event, now time.Time) error {
	if ev.Actor == "" {
		return fmt.Errorf("%w: approver is required", cmdb.ErrValidation)
	}
	if !cr.ApprovalExpiresAt.IsZero() && !now.Before(cr.ApprovalExpiresAt) {
		return fmt.Errorf("%w: %s", cmdb.ErrInvalidTransition, ReasonExpired)
	}
	if !cr.Authorized(ev.Actor) {
		return fmt.Errorf("%w: %s may not decide on %s", cmdb.ErrUnauthorizedApprover, ev.Actor, cr.ID)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
