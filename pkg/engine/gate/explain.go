package gate

import (
	"fmt"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Explanation is the legible outcome of a gate evaluation.
type Explanation struct {
	Open       bool              `json:"open"`
	ChangeID   string            `json:"change_id"`
	Status     cmdb.ChangeStatus `json:"status,omitempty"`
	Approvals  int               `json:"approvals"`
	Required   int               `json:"required"`
	Rejections int               `json:"rejections"`
	Reason     string            `json:"reason"`
}

func (e Explanation) String() string { return e.Reason }

// Explain evaluates the gate for cr at now. The gate is open only when the
// request is approved (or scheduled, or executing) and now lies inside its window.
func Explain(cr *cmdb.ChangeRequest, now time.Time) Explanation {
	e := Explanation{
		ChangeID:   cr.ID,
		Status:     cr.Status,
		Approvals:  cr.CurrentApprovals(),
		Required:   cr.RequiredApprovers,
		Rejections: len(cr.Rejections()),
	}

	switch cr.Status {
	case cmdb.StatusDraft:
		e.Reason = "blocked: change request not submitted"
	case cmdb.StatusPendingApproval:
		if !cr.ApprovalExpiresAt.IsZero() && !now.Before(cr.ApprovalExpiresAt) {
			e.Reason = "blocked: " + ReasonExpired
			break
		}
		e.Reason = fmt.Sprintf("blocked: %d of %d required approvals", e.Approvals, e.Required)
	case cmdb.StatusRejected:
		e.Reason = fmt.Sprintf("rejected: %d of %d required approvals, %s recorded",
			e.Approvals, e.Required, plural(e.Rejections, "rejection"))
		if cr.StatusReason != "" {
			e.Reason += "; reason: " + cr.StatusReason
		}
	case cmdb.StatusCancelled:
		e.Reason = "cancelled"
		if cr.StatusReason != "" {
			e.Reason += ": " + cr.StatusReason
		}
	case cmdb.StatusCompleted:
		e.Reason = "closed: change completed"
	case cmdb.StatusRolledBack:
		e.Reason = "closed: change rolled back"
		if cr.StatusReason != "" {
			e.Reason += ": " + cr.StatusReason
		}
	case cmdb.StatusApproved, cmdb.StatusScheduled, cmdb.StatusInProgress:
		if cr.Window.Contains(now) {
			e.Open = true
			e.Reason = "open: window closes in " + cmdb.FormatDuration(cr.Window.End.Sub(now))
			break
		}
		e.Reason = "blocked: " + windowReason(cr.Window, now)
	default:
		e.Reason = fmt.Sprintf("blocked: unknown status %q", cr.Status)
	}
	return e
}

func windowReason(w cmdb.Window, now time.Time) string {
	switch {
	case w.Start.IsZero() || w.End.IsZero():
		return "no implementation window"
	case w.Pending(now):
		return "window opens in " + cmdb.FormatDuration(w.Start.Sub(now))
	default:
		return fmt.Sprintf("window closed %s ago without execution", cmdb.FormatDuration(now.Sub(w.End)))
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
