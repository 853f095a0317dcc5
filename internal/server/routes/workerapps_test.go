package routes

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/chatico/mapper/internal/adapters/sqlite"
	"github.com/chatico/mapper/internal/db"
)

type recordingInvalidator struct {
	mu     sync.Mutex
	owners []string
}

func (r *recordingInvalidator) Invalidate(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, ownerID)
}

func newWorkerAppEcho(t *testing.T) (*echo.Echo, *recordingInvalidator) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "routes-test"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	invalidator := &recordingInvalidator{}
	e := echo.New()
	NewWorkerAppRoutes(sqlite.NewWorkerAppStore(database.Querier()), invalidator).RegisterRoutes(e)
	return e, invalidator
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWorkerAppCRUDFlow(t *testing.T) {
	t.Parallel()

	e, invalidator := newWorkerAppEcho(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/worker-apps",
		`{"owner_id":"o1","app_name":"worker","mode":"http","target":"https://worker/ingest","active":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":1`) {
		t.Fatalf("create response missing id: %s", rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/worker-apps", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"app_name":"worker"`) {
		t.Fatalf("list: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPut, "/api/v1/worker-apps/1",
		`{"mode":"queue","target":"owner-events"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"mode":"queue"`) {
		t.Fatalf("update: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/worker-apps/1/deactivate", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active":false`) {
		t.Fatalf("deactivate: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodDelete, "/api/v1/worker-apps/1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/worker-apps/1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: status = %d", rec.Code)
	}

	invalidator.mu.Lock()
	defer invalidator.mu.Unlock()
	if len(invalidator.owners) != 4 {
		t.Fatalf("expected 4 invalidations (create/update/deactivate/delete), got %v", invalidator.owners)
	}
	for _, owner := range invalidator.owners {
		if owner != "o1" {
			t.Fatalf("unexpected invalidated owner %q", owner)
		}
	}
}

func TestWorkerAppValidation(t *testing.T) {
	t.Parallel()

	e, _ := newWorkerAppEcho(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing owner", `{"app_name":"a","target":"https://a"}`},
		{"missing name", `{"owner_id":"o1","target":"https://a"}`},
		{"missing target", `{"owner_id":"o1","app_name":"a"}`},
		{"bad mode", `{"owner_id":"o1","app_name":"a","target":"https://a","mode":"smtp"}`},
	}
	for _, tc := range cases {
		rec := doJSON(e, http.MethodPost, "/api/v1/worker-apps", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestWorkerAppConflicts(t *testing.T) {
	t.Parallel()

	e, _ := newWorkerAppEcho(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/worker-apps",
		`{"owner_id":"o1","app_name":"worker","target":"https://a","active":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/worker-apps",
		`{"owner_id":"o2","app_name":"worker","target":"https://b"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate name: status = %d, want 409", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/worker-apps",
		`{"owner_id":"o1","app_name":"second","target":"https://b","active":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second active: status = %d, want 409", rec.Code)
	}
}
