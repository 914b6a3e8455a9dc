package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/core"
	"autopilot/internal/tasks"
	"autopilot/internal/types"
)

// --- Mock Service ---

type mockTaskService struct {
	tasks     map[string]types.DelayedTask
	specs     []tasks.Spec
	cancelled []string
	cancelOK  bool
	schedErr  error
}

func newMockTaskService() *mockTaskService {
	return &mockTaskService{tasks: map[string]types.DelayedTask{}, cancelOK: true}
}

func (m *mockTaskService) Schedule(spec tasks.Spec) (string, error) {
	if m.schedErr != nil {
		return "", m.schedErr
	}
	m.specs = append(m.specs, spec)
	id := "task_1"
	m.tasks[id] = types.DelayedTask{
		ID:         id,
		ChannelID:  spec.ChannelID,
		OwnerID:    spec.OwnerID,
		MessageRef: spec.MessageRef,
		RunAt:      fixedNow.Add(spec.Delay),
		State:      types.TaskStatePending,
	}
	return id, nil
}

func (m *mockTaskService) Cancel(id string) bool {
	m.cancelled = append(m.cancelled, id)
	return m.cancelOK
}

func (m *mockTaskService) Get(id string) (types.DelayedTask, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

func (m *mockTaskService) List() []types.DelayedTask {
	out := make([]types.DelayedTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// --- Helpers ---

func makeTaskRouter(svc TaskService) http.Handler {
	h := NewTaskHandler(svc, core.NewValidator(nil), nil)
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func send(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorCode {
	t.Helper()
	var body core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return types.ErrorCode(body.Error.Code)
}

// --- Tests ---

func TestHandleCreate_Success(t *testing.T) {
	svc := newMockTaskService()
	rec := send(makeTaskRouter(svc), http.MethodPost, "/api/tasks",
		`{"channelId":"c1","ownerId":"o1","messageRef":"m1","title":"Clip","delaySeconds":600}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(svc.specs) != 1 {
		t.Fatalf("expected one Schedule call, got %d", len(svc.specs))
	}
	spec := svc.specs[0]
	if spec.Delay != 10*time.Minute || spec.Title != "Clip" || spec.MessageRef != "m1" {
		t.Errorf("unexpected spec: %+v", spec)
	}

	var body struct {
		Data types.DelayedTask `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.ID != "task_1" || body.Data.State != types.TaskStatePending {
		t.Errorf("unexpected task: %+v", body.Data)
	}
}

func TestHandleCreate_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code types.ErrorCode
	}{
		{"missing message", `{"channelId":"c1","ownerId":"o1"}`, types.ErrCodeValidationMissingField},
		{"negative delay", `{"channelId":"c1","ownerId":"o1","messageRef":"m","delaySeconds":-5}`, types.ErrCodeValidationInvalidField},
		{"unknown field", `{"channelId":"c1","ownerId":"o1","messageRef":"m","delay":"5m"}`, types.ErrCodeValidationBody},
		{"empty", ``, types.ErrCodeValidationBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockTaskService()
			rec := send(makeTaskRouter(svc), http.MethodPost, "/api/tasks", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := errorCodeOf(t, rec); got != tt.code {
				t.Errorf("expected %s, got %s", tt.code, got)
			}
			if len(svc.specs) != 0 {
				t.Error("Schedule must not be called")
			}
		})
	}
}

func TestHandleCreate_SchedulerClosed(t *testing.T) {
	svc := newMockTaskService()
	svc.schedErr = types.NewAppError(types.ErrCodeInternalUnexpected, "task scheduler is shut down", nil)
	rec := send(makeTaskRouter(svc), http.MethodPost, "/api/tasks", `{"channelId":"c","ownerId":"o","messageRef":"m"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandleList(t *testing.T) {
	svc := newMockTaskService()
	svc.tasks["a"] = types.DelayedTask{ID: "a", State: types.TaskStatePending}
	svc.tasks["b"] = types.DelayedTask{ID: "b", State: types.TaskStateRunning}

	rec := send(makeTaskRouter(svc), http.MethodGet, "/api/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data []types.DelayedTask `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(body.Data))
	}
}

func TestHandleCancel(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		svc := newMockTaskService()
		svc.tasks["a"] = types.DelayedTask{ID: "a", State: types.TaskStatePending}
		rec := send(makeTaskRouter(svc), http.MethodDelete, "/api/tasks/a", "")

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if len(svc.cancelled) != 1 || svc.cancelled[0] != "a" {
			t.Errorf("unexpected cancels: %v", svc.cancelled)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		rec := send(makeTaskRouter(newMockTaskService()), http.MethodDelete, "/api/tasks/nope", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if got := errorCodeOf(t, rec); got != types.ErrCodeNotFoundTask {
			t.Errorf("unexpected code %s", got)
		}
	})

	t.Run("running", func(t *testing.T) {
		svc := newMockTaskService()
		svc.tasks["a"] = types.DelayedTask{ID: "a", State: types.TaskStateRunning}
		rec := send(makeTaskRouter(svc), http.MethodDelete, "/api/tasks/a", "")

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if len(svc.cancelled) != 0 {
			t.Error("running task must not be cancelled")
		}
	})

	t.Run("timer already fired", func(t *testing.T) {
		svc := newMockTaskService()
		svc.cancelOK = false
		svc.tasks["a"] = types.DelayedTask{ID: "a", State: types.TaskStatePending}
		rec := send(makeTaskRouter(svc), http.MethodDelete, "/api/tasks/a", "")

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})
}
