package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"
)

func newTestServer(t *testing.T) (*Server, *jobs.MemoryStore) {
	t.Helper()
	store := jobs.NewMemoryStore()
	return NewServer(NewServerParams{
		Jobs:  store,
		Graph: graphstore.NewMemoryStore(),
	}), store
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoute(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/projects/proj-1/jobs",
		`{"document_id": "doc-1", "enabled_types": ["Person"], "max_retries": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Job *jobs.Job `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Job == nil || created.Job.Status != jobs.StatusPending {
		t.Fatalf("created job = %+v", created.Job)
	}

	rec = doRequest(s, http.MethodGet, "/api/jobs/"+created.Job.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/jobs/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	s, _ := newTestServer(t)

	// document_id is required.
	rec := doRequest(s, http.MethodPost, "/api/projects/proj-1/jobs", `{"enabled_types": ["Person"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCancelJobRoute(t *testing.T) {
	s, store := newTestServer(t)

	job, err := store.CreateJob(context.Background(), &jobs.Job{
		ProjectID:  "proj-1",
		DocumentID: "doc-1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := doRequest(s, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}

	// Cancelling a terminal job conflicts.
	rec = doRequest(s, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestJobStatsAndListRoutes(t *testing.T) {
	s, store := newTestServer(t)

	for i := 0; i < 2; i++ {
		if _, err := store.CreateJob(context.Background(), &jobs.Job{
			ProjectID:  "proj-1",
			DocumentID: "doc-1",
		}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	rec := doRequest(s, http.MethodGet, "/api/projects/proj-1/jobs/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats struct {
		Stats *jobs.Stats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Stats.Pending != 2 {
		t.Errorf("pending = %d, want 2", stats.Stats.Pending)
	}

	rec = doRequest(s, http.MethodGet, "/api/projects/proj-1/jobs?status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Jobs []*jobs.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Jobs) != 2 {
		t.Errorf("jobs = %d, want 2", len(list.Jobs))
	}

	rec = doRequest(s, http.MethodGet, "/api/projects/proj-1/jobs?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter = %d, want 400", rec.Code)
	}
}

func TestBulkRoutes(t *testing.T) {
	s, store := newTestServer(t)

	if _, err := store.CreateJob(context.Background(), &jobs.Job{
		ProjectID:  "proj-1",
		DocumentID: "doc-1",
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := doRequest(s, http.MethodPost, "/api/projects/proj-1/jobs/cancel-pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel-pending status = %d", rec.Code)
	}
	var bulk struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bulk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bulk.Count != 1 {
		t.Errorf("count = %d, want 1", bulk.Count)
	}

	rec = doRequest(s, http.MethodPost, "/api/projects/proj-1/jobs/retry-failed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry-failed status = %d", rec.Code)
	}
}

func TestFindByDocumentRoute(t *testing.T) {
	s, store := newTestServer(t)

	if _, err := store.CreateJob(context.Background(), &jobs.Job{
		ProjectID:  "proj-1",
		DocumentID: "doc-1",
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.CreateJob(context.Background(), &jobs.Job{
		ProjectID:  "proj-2",
		DocumentID: "doc-2",
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := doRequest(s, http.MethodGet, "/api/documents/doc-1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Jobs []*jobs.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].DocumentID != "doc-1" {
		t.Errorf("jobs = %+v, want the single doc-1 job", list.Jobs)
	}
}

func TestDeleteCompletedRoute(t *testing.T) {
	s, store := newTestServer(t)

	job, err := store.CreateJob(context.Background(), &jobs.Job{
		ProjectID:  "proj-1",
		DocumentID: "doc-1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.CancelJob(context.Background(), job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if _, err := store.CreateJob(context.Background(), &jobs.Job{
		ProjectID:  "proj-1",
		DocumentID: "doc-2",
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := doRequest(s, http.MethodDelete, "/api/projects/proj-1/jobs/completed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var bulk struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bulk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bulk.Count != 1 {
		t.Errorf("count = %d, want 1", bulk.Count)
	}

	// The pending job is untouched.
	stats, err := store.ProjectJobStats(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("ProjectJobStats: %v", err)
	}
	if stats.Pending != 1 || stats.Cancelled != 0 {
		t.Errorf("stats = %+v, want 1 pending and no cancelled", stats)
	}
}
