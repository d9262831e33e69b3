package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/ingest"
)

type ciRequest struct {
	Type            cmdb.CIType         `json:"type" validate:"required"`
	Owner           string              `json:"owner"`
	BusinessService string              `json:"business_service"`
	CostCenter      string              `json:"cost_center"`
	Tags            map[string]string   `json:"tags"`
	Lifecycle       cmdb.LifecycleState `json:"lifecycle"`
}

type relationshipRequest struct {
	Source     string                `json:"source" validate:"required"`
	Target     string                `json:"target" validate:"required,nefield=Source"`
	Type       cmdb.RelationshipType `json:"type" validate:"required"`
	Direction  cmdb.Direction        `json:"direction" validate:"omitempty,oneof=unidirectional bidirectional"`
	Strength   int                   `json:"strength" validate:"omitempty,min=1,max=10"`
	ValidFrom  time.Time             `json:"valid_from"`
	ValidUntil time.Time             `json:"valid_until"`
}

// ciKey reads the CI identity from the path and the optional ?namespace=.
func ciKey(c echo.Context) string {
	return cmdb.CIKey(c.QueryParam("namespace"), c.Param("name"))
}

func (s *Server) getCI(c echo.Context) error {
	ci, err := s.store.GetCI(c.Request().Context(), ciKey(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ci)
}

// putCI creates or updates a manual CI. Updates of a CI under change control
// fail with 423 until its window opens.
func (s *Server) putCI(c echo.Context) error {
	req, err := bind[ciRequest](s, c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ev := ingest.Event{
		Kind: ingest.KindCIUpsert,
		CI: &cmdb.CI{
			Name:            c.Param("name"),
			Namespace:       c.QueryParam("namespace"),
			Type:            req.Type,
			Owner:           req.Owner,
			BusinessService: req.BusinessService,
			CostCenter:      req.CostCenter,
			Tags:            req.Tags,
			Lifecycle:       req.Lifecycle,
			Source:          cmdb.SourceManual,
		},
	}
	if err := s.events.Handle(ctx, ev); err != nil {
		return err
	}
	ci, err := s.store.GetCI(ctx, ciKey(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ci)
}

// listRelationships returns live edges; ?direction=inbound|outbound|both.
func (s *Server) listRelationships(c echo.Context) error {
	dir := graph.Direction(c.QueryParam("direction"))
	switch dir {
	case "":
		dir = graph.Both
	case graph.Inbound, graph.Outbound, graph.Both:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "direction must be inbound, outbound or both")
	}
	ctx := c.Request().Context()
	key := ciKey(c)
	if _, err := s.store.GetCI(ctx, key); err != nil {
		return err
	}
	rels, err := s.store.ListRelationshipsFor(ctx, key, dir)
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []*cmdb.Relationship{}
	}
	return c.JSON(http.StatusOK, rels)
}

func (s *Server) putRelationship(c echo.Context) error {
	req, err := bind[relationshipRequest](s, c)
	if err != nil {
		return err
	}
	rel := &cmdb.Relationship{
		Source:     req.Source,
		Target:     req.Target,
		Type:       req.Type,
		Direction:  req.Direction,
		Strength:   req.Strength,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	}
	if rel.Strength == 0 {
		rel.Strength = 5
	}
	ctx := c.Request().Context()
	if err := s.events.Handle(ctx, ingest.Event{Kind: ingest.KindRelationshipObserved, Relationship: rel}); err != nil {
		return err
	}
	stored, err := s.store.GetRelationship(ctx, cmdb.RelationshipID(rel.Source, rel.Target, rel.Type))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, stored)
}
