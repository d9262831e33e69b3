package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/DrSkyle/cigraph/pkg/engine/impact"
)

func (s *Server) analyzeImpact(c echo.Context) error {
	req, err := bind[impact.Request](s, c)
	if err != nil {
		return err
	}
	res, err := s.analyzer.Analyze(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// getHealth serves the cached scheduler result; ?refresh=true forces a run.
func (s *Server) getHealth(c echo.Context) error {
	if c.QueryParam("refresh") != "true" {
		if h := s.health.Latest(); h != nil {
			return c.JSON(http.StatusOK, h)
		}
	}
	h, err := s.health.RunOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}
