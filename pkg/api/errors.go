package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var statusBySentinel = []struct {
	err    error
	status int
	code   string
}{
	{cmdb.ErrNotFound, http.StatusNotFound, "not_found"},
	{cmdb.ErrDanglingReference, http.StatusNotFound, "dangling_reference"},
	{cmdb.ErrConflict, http.StatusConflict, "conflict"},
	{cmdb.ErrPendingChange, http.StatusConflict, "pending_change"},
	{cmdb.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{cmdb.ErrUnauthorizedApprover, http.StatusForbidden, "unauthorized_approver"},
	{cmdb.ErrValidation, http.StatusUnprocessableEntity, "validation"},
	{cmdb.ErrInvalidRelationship, http.StatusUnprocessableEntity, "invalid_relationship"},
	{cmdb.ErrConfigInvalid, http.StatusUnprocessableEntity, "config_invalid"},
	{cmdb.ErrWindowNotActive, http.StatusLocked, "window_not_active"},
	{cmdb.ErrAnalysisFailed, http.StatusServiceUnavailable, "analysis_failed"},
}

// StatusFor maps an error to its HTTP status and stable code.
func StatusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ""
	}
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	ctx := c.Request().Context()
	status, code := StatusFor(err)

	message := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		message = fmt.Sprint(he.Message)
	}
	switch {
	case status >= http.StatusInternalServerError:
		if status == http.StatusInternalServerError {
			message = "internal server error"
		}
		s.logger.ErrorContext(ctx, "API request failed", "path", c.Path(), "error", err)
	case errors.Is(err, cmdb.ErrWindowNotActive):
		s.logger.InfoContext(ctx, "API request outside window", "path", c.Path(), "error", err)
	default:
		s.logger.DebugContext(ctx, "API request rejected", "path", c.Path(), "status", status, "error", err)
	}

	resp := ErrorResponse{
		Message:   message,
		Code:      code,
		RequestID: c.Request().Header.Get(echo.HeaderXRequestID),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, resp)
}

// bind decodes the body into T and validates its struct tags.
func bind[T any](s *Server, c echo.Context) (T, error) {
	var v T
	if err := c.Bind(&v); err != nil {
		return v, echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", cmdb.ErrValidation, err)
	}
	return v, nil
}
