package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/gate"
)

type windowRequest struct {
	Start    string `json:"start" validate:"required"`
	End      string `json:"end" validate:"required"`
	Timezone string `json:"timezone"`
}

func (w windowRequest) parse() (cmdb.Window, error) {
	return cmdb.ParseWindow(w.Start, w.End, w.Timezone)
}

type createChangeRequest struct {
	Title               string          `json:"title" validate:"required"`
	Description         string          `json:"description"`
	Type                cmdb.ChangeType `json:"type" validate:"omitempty,oneof=standard normal emergency automated"`
	Risk                cmdb.Risk       `json:"risk" validate:"omitempty,oneof=low medium high critical"`
	Requester           string          `json:"requester" validate:"required"`
	AffectedCIs         []string        `json:"affected_cis" validate:"dive,required"`
	AffectedServices    []string        `json:"affected_services"`
	Mutations           []cmdb.Mutation `json:"mutations"`
	RequiredApprovers   int             `json:"required_approvers" validate:"gte=1"`
	AuthorizedApprovers []string        `json:"authorized_approvers" validate:"dive,required"`
	Window              windowRequest   `json:"window"`
	RollbackPlan        string          `json:"rollback_plan"`
}

type actorRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

type decisionRequest struct {
	Approver string `json:"approver" validate:"required"`
	Comment  string `json:"comment"`
}

type resultRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) createChange(c echo.Context) error {
	req, err := bind[createChangeRequest](s, c)
	if err != nil {
		return err
	}
	w, err := req.Window.parse()
	if err != nil {
		return err
	}
	cr, err := s.gate.Create(c.Request().Context(), &cmdb.ChangeRequest{
		Title:               req.Title,
		Description:         req.Description,
		Type:                req.Type,
		Risk:                req.Risk,
		Requester:           req.Requester,
		AffectedCIs:         req.AffectedCIs,
		AffectedServices:    req.AffectedServices,
		Mutations:           req.Mutations,
		RequiredApprovers:   req.RequiredApprovers,
		AuthorizedApprovers: req.AuthorizedApprovers,
		Window:              w,
		RollbackPlan:        req.RollbackPlan,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cr)
}

// listChanges filters by ?status=a,b and ?approver=name.
func (s *Server) listChanges(c echo.Context) error {
	var f gate.Filter
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, cmdb.ChangeStatus(strings.TrimSpace(st)))
		}
	}
	f.Approver = c.QueryParam("approver")
	crs, err := s.gate.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if crs == nil {
		crs = []*cmdb.ChangeRequest{}
	}
	return c.JSON(http.StatusOK, crs)
}

func (s *Server) getChange(c echo.Context) error {
	cr, err := s.gate.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cr)
}

func (s *Server) explainGate(c echo.Context) error {
	_, exp := s.gate.IsChangeApproved(c.Request().Context(), c.Param("id"))
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) submitChange(c echo.Context) error {
	req, err := bind[actorRequest](s, c)
	if err != nil {
		return err
	}
	return s.respond(c)(s.gate.Submit(c.Request().Context(), c.Param("id"), req.Actor))
}

func (s *Server) approveChange(c echo.Context) error {
	req, err := bind[decisionRequest](s, c)
	if err != nil {
		return err
	}
	return s.respond(c)(s.gate.Approve(c.Request().Context(), c.Param("id"), req.Approver, req.Comment))
}

func (s *Server) rejectChange(c echo.Context) error {
	req, err := bind[decisionRequest](s, c)
	if err != nil {
		return err
	}
	return s.respond(c)(s.gate.Reject(c.Request().Context(), c.Param("id"), req.Approver, req.Comment))
}

func (s *Server) cancelChange(c echo.Context) error {
	req, err := bind[actorRequest](s, c)
	if err != nil {
		return err
	}
	return s.respond(c)(s.gate.Cancel(c.Request().Context(), c.Param("id"), req.Actor, req.Reason))
}

func (s *Server) rescheduleChange(c echo.Context) error {
	req, err := bind[windowRequest](s, c)
	if err != nil {
		return err
	}
	w, err := req.parse()
	if err != nil {
		return err
	}
	return s.respond(c)(s.gate.Reschedule(c.Request().Context(), c.Param("id"), w))
}

func (s *Server) reportResult(c echo.Context) error {
	req, err := bind[resultRequest](s, c)
	if err != nil {
		return err
	}
	return s.respond(c)(s.gate.ReportResult(c.Request().Context(), c.Param("id"), req.Success, req.Message))
}

func (s *Server) respond(c echo.Context) func(*cmdb.ChangeRequest, error) error {
	return func(cr *cmdb.ChangeRequest, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, cr)
	}
}
