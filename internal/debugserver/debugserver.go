// Package debugserver is the HTTP control surface for internal/debugger
// (spec.md §4.10, §9: "the debug client talks to the coordinator over
// some transport"), mirroring the teacher's cmd/orchestrator
// routes/handlers layering: one handler struct per resource, route
// registration in its own function, echo.Context throughout.
package debugserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flowmesh/flowrun/internal/debugger"
	"github.com/flowmesh/flowrun/internal/model"
)

// Logger is the narrow logging dependency this package needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Handler serves the breakpoint and suspend/resume command endpoints over
// the Debugger it wraps.
type Handler struct {
	debugger *debugger.Debugger
	logger   Logger
}

// NewHandler builds a Handler for one Debugger instance.
func NewHandler(d *debugger.Debugger, logger Logger) *Handler {
	return &Handler{debugger: d, logger: logger}
}

// RegisterRoutes wires the debug control surface under /debug on e.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	grp := e.Group("/debug")

	grp.GET("/breakpoints", h.ListBreakpoints)
	grp.POST("/breakpoints", h.SetBreakpoint)
	grp.DELETE("/breakpoints/:id", h.DeleteBreakpoint)

	grp.GET("/events", h.NextEvent)

	grp.POST("/commands/continue", h.Continue)
	grp.POST("/commands/step", h.Step)
	grp.POST("/commands/inspect", h.Inspect)
	grp.POST("/commands/reset", h.Reset)
	grp.POST("/commands/exit", h.Exit)

	grp.GET("/exited", h.Exited)
}

// breakpointRequest is the wire shape for POST /debug/breakpoints,
// carrying every field any BreakpointKind might need; unused fields for a
// given kind are ignored.
type breakpointRequest struct {
	Kind          string `json:"kind"`
	FunctionID    int    `json:"function_id"`
	InputIndex    int    `json:"input_index"`
	OutputRoute   string `json:"output_route"`
	BlockProducer int    `json:"block_producer"`
	BlockConsumer int    `json:"block_consumer"`
	DataExpr      string `json:"data_expr"`
	FlowID        int    `json:"flow_id"`
}

// ListBreakpoints returns every currently registered breakpoint.
func (h *Handler) ListBreakpoints(c echo.Context) error {
	return c.JSON(http.StatusOK, h.debugger.Breakpoints())
}

// SetBreakpoint registers a new breakpoint and returns its id.
func (h *Handler) SetBreakpoint(c echo.Context) error {
	var req breakpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid breakpoint request")
	}

	bp := debugger.Breakpoint{
		Kind:          debugger.BreakpointKind(req.Kind),
		FunctionID:    req.FunctionID,
		InputIndex:    req.InputIndex,
		OutputRoute:   model.Route(req.OutputRoute),
		BlockProducer: req.BlockProducer,
		BlockConsumer: req.BlockConsumer,
		DataExpr:      req.DataExpr,
		FlowID:        req.FlowID,
	}

	id := h.debugger.SetBreakpoint(bp)
	h.logger.Info("breakpoint set", "id", id, "kind", bp.Kind, "function_id", bp.FunctionID)
	return c.JSON(http.StatusCreated, map[string]int{"id": id})
}

// DeleteBreakpoint removes a breakpoint by id.
func (h *Handler) DeleteBreakpoint(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid breakpoint id")
	}
	h.debugger.DeleteBreakpoint(id)
	return c.NoContent(http.StatusNoContent)
}

// NextEvent long-polls for the next suspension event, returning 204 if none
// arrives before the request context (or a 25s default) expires.
func (h *Handler) NextEvent(c echo.Context) error {
	ctx := c.Request().Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
	}

	select {
	case ev := <-h.debugger.Events():
		return c.JSON(http.StatusOK, ev)
	case <-ctx.Done():
		return c.NoContent(http.StatusNoContent)
	}
}

// Continue resumes a suspended coordinator.
func (h *Handler) Continue(c echo.Context) error {
	return h.sendCommand(c, debugger.Command{Kind: debugger.CmdContinue})
}

type stepRequest struct {
	Count int `json:"count"`
}

// Step resumes a suspended coordinator for N more results before
// suspending again.
func (h *Handler) Step(c echo.Context) error {
	var req stepRequest
	_ = c.Bind(&req) // a missing body means the default step count of 1
	return h.sendCommand(c, debugger.Command{Kind: debugger.CmdStep, StepCount: req.Count})
}

// Inspect asks a suspended coordinator to emit another event describing
// current state without resuming.
func (h *Handler) Inspect(c echo.Context) error {
	return h.sendCommand(c, debugger.Command{Kind: debugger.CmdInspect})
}

// Reset asks the coordinator to re-initialize Run State from the manifest.
func (h *Handler) Reset(c echo.Context) error {
	return h.sendCommand(c, debugger.Command{Kind: debugger.CmdReset})
}

// Exit marks the debug session exited and resumes the coordinator.
func (h *Handler) Exit(c echo.Context) error {
	return h.sendCommand(c, debugger.Command{Kind: debugger.CmdExit})
}

// Exited reports whether CmdExit has been received.
func (h *Handler) Exited(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"exited": h.debugger.Exited()})
}

// sendCommand delivers cmd to the Debugger. Send blocks until the
// coordinator is actually suspended inside Consult; a request context
// cancellation (client disconnect) aborts the wait rather than leaking it.
func (h *Handler) sendCommand(c echo.Context, cmd debugger.Command) error {
	if err := h.debugger.Send(c.Request().Context(), cmd); err != nil {
		h.logger.Warn("debug command delivery failed", "kind", cmd.Kind, "error", err)
		return echo.NewHTTPError(http.StatusRequestTimeout, "coordinator not currently suspended")
	}
	return c.NoContent(http.StatusAccepted)
}
