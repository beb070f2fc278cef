package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/terrafusion/syncservice/internal/adapters/auditstore"
	"github.com/terrafusion/syncservice/internal/application/auditlog"
	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/metrics"
)

type fakeJobs struct {
	mu      sync.Mutex
	started [][]job.TableSpec
	states  map[string]*job.SyncState
	stopped []string
	resumed []string
	active  []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{states: make(map[string]*job.SyncState)}
}

func (f *fakeJobs) StartSync(_ context.Context, req orchestrator.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req.Tables)
	state := job.NewSyncState("source", "target", req.Tables)
	f.states[state.JobID] = state
	return state.JobID, nil
}

func (f *fakeJobs) ResumeSync(_ context.Context, req orchestrator.ResumeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[req.JobID]
	if !ok {
		return errors.NewError(errors.CodeNotFound, "job not found", errors.ErrJobNotFound)
	}
	if !state.Status.CanResume() {
		return errors.NewError(errors.CodeValidation, "job cannot be resumed", errors.ErrNotResumable)
	}
	f.resumed = append(f.resumed, req.JobID)
	return nil
}

func (f *fakeJobs) RequestStop(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.active {
		if id == jobID {
			f.stopped = append(f.stopped, jobID)
			return nil
		}
	}
	return errors.NewError(errors.CodeNotFound, "job "+jobID+" is not running", errors.ErrJobNotFound)
}

func (f *fakeJobs) GetSyncStatus(_ context.Context, jobID string) (*job.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[jobID]
	if !ok {
		return nil, errors.NewError(errors.CodeNotFound, "job not found", errors.ErrJobNotFound)
	}
	return state, nil
}

func (f *fakeJobs) ListJobs(context.Context) ([]*job.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*job.SyncState
	for _, s := range f.states {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeJobs) ActiveJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

var testTables = []job.TableSpec{
	{Name: "parcels", PrimaryKeys: []string{"id"}, Fields: []string{"id"}},
	{Name: "owners", PrimaryKeys: []string{"id"}, Fields: []string{"id"}},
}

func newTestServer(t *testing.T) (*Server, *fakeJobs, *auditlog.System) {
	t.Helper()
	jobs := newFakeJobs()
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: &strings.Builder{}})
	sys := auditlog.New(auditstore.NewMemoryStore(100), auditlog.Config{Level: audit.LevelDetailed, Logger: logger})
	srv := NewServer(Config{Tables: testTables, Metrics: metrics.NewCollector().Handler()}, jobs, sys, logger)
	return srv, jobs, sys
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, jobs, _ := newTestServer(t)
	jobs.active = []string{"a"}

	rec := do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["active_jobs"] != float64(1) {
		t.Errorf("healthz body = %v", body)
	}

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "terrasync_") {
		t.Errorf("metrics status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestStartJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTables []string
	}{
		{"all tables", "", http.StatusAccepted, []string{"parcels", "owners"}},
		{"selected tables", `{"tables":["owners"]}`, http.StatusAccepted, []string{"owners"}},
		{"unknown table", `{"tables":["roads"]}`, http.StatusBadRequest, nil},
		{"malformed body", `{"tables":`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, jobs, _ := newTestServer(t)
			rec := do(t, srv, http.MethodPost, "/api/v1/jobs", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantTables == nil {
				if len(jobs.started) != 0 {
					t.Error("no job should start")
				}
				return
			}
			var resp JobResponse
			decode(t, rec, &resp)
			if resp.JobID == "" {
				t.Error("missing job id")
			}
			var got []string
			for _, spec := range jobs.started[0] {
				got = append(got, spec.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantTables, ",") {
				t.Errorf("tables = %v, want %v", got, tt.wantTables)
			}
		})
	}
}

func TestGetAndListJobs(t *testing.T) {
	srv, jobs, _ := newTestServer(t)
	id, _ := jobs.StartSync(context.Background(), orchestrator.StartRequest{Tables: testTables})

	rec := do(t, srv, http.MethodGet, "/api/v1/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var state job.SyncState
	decode(t, rec, &state)
	if state.JobID != id || state.Status != job.StatusPending {
		t.Errorf("state = %+v", state)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", rec.Code)
	}
	var errBody errorResponse
	decode(t, rec, &errBody)
	if errBody.Code != string(errors.CodeNotFound) {
		t.Errorf("error body = %+v", errBody)
	}

	var list struct {
		Jobs  []job.SyncState `json:"jobs"`
		Count int             `json:"count"`
	}
	decode(t, do(t, srv, http.MethodGet, "/api/v1/jobs", ""), &list)
	if list.Count != 1 {
		t.Errorf("count = %d", list.Count)
	}
	decode(t, do(t, srv, http.MethodGet, "/api/v1/jobs?status=completed", ""), &list)
	if list.Count != 0 || list.Jobs == nil {
		t.Errorf("filtered list = %+v", list)
	}
}

func TestStopAndResumeJob(t *testing.T) {
	srv, jobs, _ := newTestServer(t)
	id, _ := jobs.StartSync(context.Background(), orchestrator.StartRequest{Tables: testTables})

	if rec := do(t, srv, http.MethodPost, "/api/v1/jobs/"+id+"/stop", ""); rec.Code != http.StatusNotFound {
		t.Errorf("stop of idle job status = %d", rec.Code)
	}
	jobs.active = []string{id}
	if rec := do(t, srv, http.MethodPost, "/api/v1/jobs/"+id+"/stop", ""); rec.Code != http.StatusAccepted {
		t.Errorf("stop status = %d", rec.Code)
	}

	if rec := do(t, srv, http.MethodPost, "/api/v1/jobs/"+id+"/resume", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("resume of pending job status = %d", rec.Code)
	}
	jobs.states[id].Status = job.StatusStopped
	if rec := do(t, srv, http.MethodPost, "/api/v1/jobs/"+id+"/resume", ""); rec.Code != http.StatusAccepted {
		t.Errorf("resume status = %d", rec.Code)
	}
	if len(jobs.resumed) != 1 || len(jobs.stopped) != 1 {
		t.Errorf("resumed = %v stopped = %v", jobs.resumed, jobs.stopped)
	}
}

func TestAuditEndpoints(t *testing.T) {
	srv, _, sys := newTestServer(t)
	ctx := context.Background()
	if err := sys.JobStart(ctx, "job-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := sys.JobEnd(ctx, "job-1", false, nil, "target unavailable"); err != nil {
		t.Fatal(err)
	}
	if err := sys.JobStart(ctx, "job-2", nil); err != nil {
		t.Fatal(err)
	}

	var page EventsResponse
	decode(t, do(t, srv, http.MethodGet, "/api/v1/audit/events?job_id=job-1", ""), &page)
	if page.Count != 2 || page.Limit != DefaultEventLimit {
		t.Fatalf("page = %+v", page)
	}

	decode(t, do(t, srv, http.MethodGet, "/api/v1/audit/events?type=job_start&limit=1", ""), &page)
	if page.Count != 1 || page.Events[0].EventType != audit.EventJobStart {
		t.Errorf("typed page = %+v", page)
	}

	decode(t, do(t, srv, http.MethodGet, "/api/v1/audit/events?success=false", ""), &page)
	if page.Count != 1 || page.Events[0].ErrorMessage != "target unavailable" {
		t.Errorf("failures = %+v", page)
	}
	id := page.Events[0].EventID

	rec := do(t, srv, http.MethodGet, "/api/v1/audit/events/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get event status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/api/v1/audit/events/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d", rec.Code)
	}

	var rep audit.Report
	decode(t, do(t, srv, http.MethodGet, "/api/v1/audit/report", ""), &rep)
	if rep.TotalEvents != 3 || rep.Failures != 1 || rep.ByEventType["job_start"] != 2 {
		t.Errorf("report = %+v", rep)
	}

	since := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	decode(t, do(t, srv, http.MethodGet, "/api/v1/audit/report?since="+since, ""), &rep)
	if rep.TotalEvents != 0 {
		t.Errorf("future report = %+v", rep)
	}
}

func TestAuditEndpoints_BadQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, path := range []string{
		"/api/v1/audit/events?limit=abc",
		"/api/v1/audit/events?success=maybe",
		"/api/v1/audit/report?since=yesterday",
	} {
		if rec := do(t, srv, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
}
