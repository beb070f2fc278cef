package migrate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// DefaultRESTTimeout bounds a single PostgREST request.
const DefaultRESTTimeout = 60 * time.Second

// RESTSink writes to Supabase through its PostgREST endpoint.
type RESTSink struct {
	baseURL    string
	key        string
	httpClient *http.Client
}

var _ ports.Sink = (*RESTSink)(nil)

// RESTOption configures a RESTSink.
type RESTOption func(*RESTSink)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) RESTOption {
	return func(s *RESTSink) {
		s.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) RESTOption {
	return func(s *RESTSink) {
		s.httpClient.Timeout = timeout
	}
}

// NewRESTSink creates a sink for the project at baseURL authenticated with key.
func NewRESTSink(baseURL, key string, opts ...RESTOption) (*RESTSink, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(key) == "" {
		return nil, errors.NewError(errors.CodeConfiguration, "supabase url and key are required", nil)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.NewError(errors.CodeConfiguration, "invalid supabase url", err)
	}
	s := &RESTSink{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		httpClient: &http.Client{Timeout: DefaultRESTTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type lastSyncRow struct {
	ID            int64  `json:"id,omitempty"`
	SourceType    string `json:"source_type"`
	SourceTable   string `json:"source_table"`
	TargetSchema  string `json:"target_schema"`
	TargetTable   string `json:"target_table"`
	LastSyncTime  string `json:"last_sync_time"`
	SyncKeyColumn string `json:"sync_key_column"`
	LastKeyValue  string `json:"last_key_value"`
	RecordCount   int    `json:"record_count"`
}

type transactionRow struct {
	ID               string         `json:"id"`
	Timestamp        string         `json:"timestamp"`
	Operation        string         `json:"operation"`
	SourceType       string         `json:"source_type"`
	TargetSchema     string         `json:"target_schema"`
	TargetTable      string         `json:"target_table"`
	RecordCount      int            `json:"record_count"`
	Metadata         map[string]any `json:"metadata"`
	RollbackExecuted bool           `json:"rollback_executed"`
}

// EnsureTracking implements ports.Sink. PostgREST cannot run DDL, so the
// tables are created through an exec_sql function when the project has one
// and otherwise must already exist.
func (s *RESTSink) EnsureTracking(ctx context.Context) error {
	ddl := strings.Join(TrackingDDL(database.Postgres), ";\n") + ";"
	resp, err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/exec_sql", nil, "", map[string]any{"query": ddl}, nil)
	if err == nil {
		resp.Body.Close()
		return nil
	}
	if errors.CodeOf(err) != errors.CodeNotFound {
		return err
	}

	q := url.Values{"limit": {"1"}}
	for _, table := range []string{transactionsTable, lastSyncTable} {
		resp, err := s.do(ctx, http.MethodGet, "/rest/v1/"+table, q, TrackingSchema, nil, nil)
		if err != nil {
			return errors.WithContext(
				errors.NewError(errors.CodeConfiguration, "tracking table "+TrackingSchema+"."+table+" is missing", err),
				"table", table)
		}
		resp.Body.Close()
	}
	return nil
}

// Write implements ports.Sink.
func (s *RESTSink) Write(ctx context.Context, schema, table string, rows []record.Record, keyColumn string, upsert bool) error {
	if len(rows) == 0 {
		return nil
	}
	body := make([]record.Record, len(rows))
	for i, r := range rows {
		body[i] = r.Normalized()
	}
	prefer := "return=minimal"
	var q url.Values
	if upsert && keyColumn != "" {
		prefer = "resolution=merge-duplicates,return=minimal"
		q = url.Values{"on_conflict": {keyColumn}}
	}
	resp, err := s.do(ctx, http.MethodPost, "/rest/v1/"+table, q, schema, body, map[string]string{"Prefer": prefer})
	if err != nil {
		return annotate(err, "table", table)
	}
	resp.Body.Close()
	return nil
}

func lastSyncFilter(sourceType, sourceTable, targetSchema, targetTable string) url.Values {
	return url.Values{
		"source_type":   {"eq." + sourceType},
		"source_table":  {"eq." + sourceTable},
		"target_schema": {"eq." + targetSchema},
		"target_table":  {"eq." + targetTable},
	}
}

// GetLastSync implements ports.Sink.
func (s *RESTSink) GetLastSync(ctx context.Context, sourceType, sourceTable, targetSchema, targetTable string) (*ports.LastSync, error) {
	q := lastSyncFilter(sourceType, sourceTable, targetSchema, targetTable)
	q.Set("order", "id.desc")
	q.Set("limit", "1")
	resp, err := s.do(ctx, http.MethodGet, "/rest/v1/"+lastSyncTable, q, TrackingSchema, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []lastSyncRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, errors.NewError(errors.CodeData, "decoding last sync", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	t, ok := record.ParseTime(r.LastSyncTime)
	if !ok {
		return nil, errors.NewError(errors.CodeData, "unreadable last_sync_time "+r.LastSyncTime, nil)
	}
	return &ports.LastSync{
		SourceType:    r.SourceType,
		SourceTable:   r.SourceTable,
		TargetSchema:  r.TargetSchema,
		TargetTable:   r.TargetTable,
		LastSyncTime:  t.UTC(),
		SyncKeyColumn: r.SyncKeyColumn,
		LastKeyValue:  r.LastKeyValue,
		RecordCount:   r.RecordCount,
	}, nil
}

// SetLastSync implements ports.Sink. It patches the existing row and inserts
// one when the patch matched nothing.
func (s *RESTSink) SetLastSync(ctx context.Context, ls ports.LastSync) error {
	row := lastSyncRow{
		SourceType:    ls.SourceType,
		SourceTable:   ls.SourceTable,
		TargetSchema:  ls.TargetSchema,
		TargetTable:   ls.TargetTable,
		LastSyncTime:  ls.LastSyncTime.UTC().Format(time.RFC3339Nano),
		SyncKeyColumn: ls.SyncKeyColumn,
		LastKeyValue:  ls.LastKeyValue,
		RecordCount:   ls.RecordCount,
	}
	q := lastSyncFilter(ls.SourceType, ls.SourceTable, ls.TargetSchema, ls.TargetTable)
	resp, err := s.do(ctx, http.MethodPatch, "/rest/v1/"+lastSyncTable, q, TrackingSchema, row,
		map[string]string{"Prefer": "return=representation"})
	if err != nil {
		return err
	}
	var updated []lastSyncRow
	err = json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if err != nil {
		return errors.NewError(errors.CodeData, "decoding last sync update", err)
	}
	if len(updated) > 0 {
		return nil
	}

	resp, err = s.do(ctx, http.MethodPost, "/rest/v1/"+lastSyncTable, nil, TrackingSchema, row,
		map[string]string{"Prefer": "return=minimal"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RecordTransaction implements ports.Sink.
func (s *RESTSink) RecordTransaction(ctx context.Context, t ports.TransactionRecord) error {
	row := transactionRow{
		ID:           t.ID,
		Timestamp:    t.Timestamp.UTC().Format(time.RFC3339Nano),
		Operation:    t.Operation,
		SourceType:   t.SourceType,
		TargetSchema: t.TargetSchema,
		TargetTable:  t.TargetTable,
		RecordCount:  t.RecordCount,
		Metadata:     t.Metadata,
	}
	resp, err := s.do(ctx, http.MethodPost, "/rest/v1/"+transactionsTable, nil, TrackingSchema, row,
		map[string]string{"Prefer": "return=minimal"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close implements ports.Sink.
func (s *RESTSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// do sends a request and returns the response for 2xx statuses. Other
// statuses are converted into classified errors and the body is closed.
func (s *RESTSink) do(ctx context.Context, method, path string, q url.Values, schema string, payload any, headers map[string]string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.NewError(errors.CodeData, "marshaling request", err)
		}
		body = bytes.NewReader(data)
	}
	u := s.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.NewError(errors.CodeData, "creating request", err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if schema != "" {
		req.Header.Set("Accept-Profile", schema)
		req.Header.Set("Content-Profile", schema)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Transient("executing request", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, parseError(resp, method+" "+path)
}

// parseError maps PostgREST statuses onto error codes.
func parseError(resp *http.Response, op string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var pgErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &pgErr) == nil && pgErr.Message != "" {
		msg = pgErr.Message
		if pgErr.Details != "" {
			msg += ": " + pgErr.Details
		}
	}

	var code errors.ErrorCode
	switch {
	case resp.StatusCode == http.StatusConflict:
		code = errors.CodeConflict
	case resp.StatusCode == http.StatusNotFound:
		code = errors.CodeNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		code = errors.CodeConfiguration
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		code = errors.CodeTransient
	default:
		code = errors.CodeData
	}
	return errors.WithContext(
		errors.NewError(code, fmt.Sprintf("%s returned %d: %s", op, resp.StatusCode, msg), nil),
		"status", resp.StatusCode)
}
