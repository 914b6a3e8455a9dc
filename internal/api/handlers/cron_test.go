package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/app"
	"autopilot/internal/monitor"
	"autopilot/internal/scheduler"
	"autopilot/internal/types"
)

// --- Mock Runner ---

type mockTickRunner struct {
	payloads []scheduler.TickPayload
	result   app.TickResult
	err      error
}

func (m *mockTickRunner) RunTick(_ context.Context, p scheduler.TickPayload) (app.TickResult, error) {
	m.payloads = append(m.payloads, p)
	res := m.result
	res.Tick = p.Tick
	return res, m.err
}

// --- Helpers ---

var fixedNow = time.Date(2026, 3, 2, 4, 0, 30, 0, time.UTC)

func makeCronRouter(runner TickRunner) http.Handler {
	h := NewCronHandler(runner, nil)
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// --- Tests ---

func TestHandleScheduleTick_EmptyBody(t *testing.T) {
	runner := &mockTickRunner{result: app.TickResult{Schedules: &scheduler.TickReport{Fired: 2, Evaluated: 5}}}
	rec := post(makeCronRouter(runner), "/api/cron/manual-tick", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(runner.payloads) != 1 {
		t.Fatalf("expected one tick, got %d", len(runner.payloads))
	}
	p := runner.payloads[0]
	if p.Tick != scheduler.TickSchedules || p.ReferenceTime != nil || !p.Manual {
		t.Errorf("unexpected payload: %+v", p)
	}

	var body struct {
		Data app.TickResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.Schedules == nil || body.Data.Schedules.Fired != 2 || body.Data.Schedules.Evaluated != 5 {
		t.Errorf("unexpected report: %+v", body.Data)
	}
}

func TestHandleScheduleTick_ReferenceTime(t *testing.T) {
	runner := &mockTickRunner{}
	rec := post(makeCronRouter(runner), "/api/cron/manual-tick",
		`{"tick":"file_tick","reference_time":"2026-03-02T09:00:30+05:00"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	p := runner.payloads[0]
	if p.Tick != scheduler.TickSchedules {
		t.Errorf("manual-tick must always run the schedule tick, got %s", p.Tick)
	}
	if got := p.Now(time.Time{}); !got.Equal(fixedNow) {
		t.Errorf("expected reference %v, got %v", fixedNow, got)
	}
}

func TestHandleScheduleTick_BadBody(t *testing.T) {
	runner := &mockTickRunner{}
	rec := post(makeCronRouter(runner), "/api/cron/manual-tick", `{"when":1}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(runner.payloads) != 0 {
		t.Error("tick must not run on a rejected body")
	}
}

func TestHandleScheduleTick_Failure(t *testing.T) {
	runner := &mockTickRunner{err: types.NewAppError(types.ErrCodeInternalDB, "failed to list channels", nil)}
	rec := post(makeCronRouter(runner), "/api/cron/manual-tick", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleFileTick(t *testing.T) {
	runner := &mockTickRunner{result: app.TickResult{Files: &monitor.TickReport{Processed: 3}}}
	rec := post(makeCronRouter(runner), "/api/cron/file-tick", `{"ignored":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if p := runner.payloads[0]; p.Tick != scheduler.TickFiles || p.Manual {
		t.Errorf("unexpected payload %+v", p)
	}
	if !strings.Contains(rec.Body.String(), `"processed":3`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleFileTick_Skipped(t *testing.T) {
	runner := &mockTickRunner{result: app.TickResult{Skipped: "locked"}}
	rec := post(makeCronRouter(runner), "/api/cron/file-tick", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"skipped":"locked"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}
