package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flowmesh/flowrun/internal/debugger"
	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/runstate"
)

type noopLogger struct{}

func (noopLogger) Info(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{}) {}

func newTestServer() (*echo.Echo, *debugger.Debugger) {
	e := echo.New()
	d := debugger.New(nil)
	RegisterRoutes(e, NewHandler(d, noopLogger{}))
	return e, d
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSetListAndDeleteBreakpoint(t *testing.T) {
	e, d := newTestServer()

	rec := doRequest(e, http.MethodPost, "/debug/breakpoints", `{"kind":"function","function_id":3}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["id"]

	if len(d.Breakpoints()) != 1 {
		t.Fatalf("expected 1 breakpoint registered, got %d", len(d.Breakpoints()))
	}

	listRec := doRequest(e, http.MethodGet, "/debug/breakpoints", "")
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	delRec := doRequest(e, http.MethodDelete, "/debug/breakpoints/"+strconv.Itoa(id), "")
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}
	if len(d.Breakpoints()) != 0 {
		t.Fatalf("expected breakpoint removed, still have %d", len(d.Breakpoints()))
	}
}

func TestNextEventReturnsNoContentWhenIdle(t *testing.T) {
	e, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/debug/events", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when no event arrives, got %d", rec.Code)
	}
}

func TestContinueCommandDeliveredToSuspendedConsult(t *testing.T) {
	e, d := newTestServer()
	d.SetBreakpoint(debugger.Breakpoint{Kind: debugger.BreakFunction, FunctionID: 0})

	rs := newSingleFunctionRunState(t)

	done := make(chan struct{})
	go func() {
		d.Consult(context.Background(), 0, emptyResult(), rs)
		close(done)
	}()

	select {
	case <-d.Events():
	case <-time.After(time.Second):
		t.Fatal("expected a suspension event")
	}

	rec := doRequest(e, http.MethodPost, "/debug/commands/continue", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Consult to return after continue command")
	}
}

func TestExitedReportsFalseInitially(t *testing.T) {
	e, _ := newTestServer()
	rec := doRequest(e, http.MethodGet, "/debug/exited", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["exited"] {
		t.Fatal("expected exited=false before any CmdExit")
	}
}

func newSingleFunctionRunState(t *testing.T) *runstate.RunState {
	t.Helper()
	rs := runstate.New()
	rs.Initialize(&model.FlowManifest{
		Functions: []model.ManifestFunction{
			{FunctionID: 0, ImplementationLocation: "context://args/get"},
		},
	})
	return rs
}

func emptyResult() model.Result {
	return model.Result{JobID: 1}
}
