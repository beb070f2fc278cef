package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
)

// Default and maximum page sizes for event listings.
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// StartJobRequest selects configured tables by name. An empty list syncs all of them.
type StartJobRequest struct {
	Tables []string `json:"tables"`
}

// JobResponse is returned when a job is started or resumed.
type JobResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// EventsResponse is a page of audit events.
type EventsResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// startJob handles POST /api/v1/jobs
func (s *Server) startJob(c *gin.Context) {
	var req StartJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Code: string(errors.CodeValidation)})
			return
		}
	}

	tables, err := s.selectTables(req.Tables)
	if err != nil {
		s.respondError(c, err)
		return
	}

	jobID, err := s.jobs.StartSync(c.Request.Context(), orchestrator.StartRequest{Tables: tables})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobResponse{JobID: jobID, Message: "sync job started"})
}

func (s *Server) selectTables(names []string) ([]job.TableSpec, error) {
	if len(names) == 0 {
		if len(s.config.Tables) == 0 {
			return nil, errors.New("api", "no tables are configured")
		}
		return s.config.Tables, nil
	}
	byName := make(map[string]job.TableSpec, len(s.config.Tables))
	for _, t := range s.config.Tables {
		byName[t.Name] = t
	}
	selected := make([]job.TableSpec, 0, len(names))
	for _, name := range names {
		spec, ok := byName[name]
		if !ok {
			return nil, errors.New("api", "unknown table "+name)
		}
		selected = append(selected, spec)
	}
	return selected, nil
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	states, err := s.jobs.ListJobs(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := states[:0]
		for _, st := range states {
			if string(st.Status) == status {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	if states == nil {
		states = []*job.SyncState{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": states, "count": len(states)})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	state, err := s.jobs.GetSyncStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// stopJob handles POST /api/v1/jobs/:id/stop. The job stops at its next boundary.
func (s *Server) stopJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.jobs.RequestStop(id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobResponse{JobID: id, Message: "stop requested"})
}

// resumeJob handles POST /api/v1/jobs/:id/resume
func (s *Server) resumeJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.jobs.ResumeSync(c.Request.Context(), orchestrator.ResumeRequest{JobID: id}); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobResponse{JobID: id, Message: "sync job resumed"})
}

// listEvents handles GET /api/v1/audit/events
func (s *Server) listEvents(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", DefaultEventLimit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if limit <= 0 || limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		s.respondError(c, err)
		return
	}

	events, err := s.audit.GetEvents(c.Request.Context(), filter, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events, Count: len(events), Limit: limit, Offset: offset})
}

// getEvent handles GET /api/v1/audit/events/:id
func (s *Server) getEvent(c *gin.Context) {
	event, err := s.audit.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// report handles GET /api/v1/audit/report
func (s *Server) report(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rep, err := s.audit.GenerateReport(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// parseFilter reads an audit filter from query parameters. Event types are
// comma separated; times are RFC 3339.
func parseFilter(c *gin.Context) (audit.Filter, error) {
	f := audit.Filter{
		JobID:     c.Query("job_id"),
		Component: c.Query("component"),
		TableName: c.Query("table"),
		RecordID:  c.Query("record_id"),
		Operation: c.Query("operation"),
		UserID:    c.Query("user_id"),
	}
	if types := c.Query("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.EventTypes = append(f.EventTypes, audit.EventType(t))
			}
		}
	}
	if v := c.Query("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("api", "success must be true or false")
		}
		f.Success = &b
	}
	var err error
	if f.Since, err = queryTime(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return f, err
	}
	return f, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("api", key+" must be an RFC 3339 time")
	}
	return t, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("api", key+" must be a non-negative integer")
	}
	return n, nil
}
