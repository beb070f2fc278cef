package migrate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

func TestSQLSink(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, "target.db")
	exec(t, conn, `CREATE TABLE parcels (id INTEGER PRIMARY KEY, owner TEXT, attrs TEXT)`)

	sink, err := NewSQLSink(conn)
	if err != nil {
		t.Fatalf("NewSQLSink() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sink.EnsureTracking(ctx); err != nil {
			t.Fatalf("EnsureTracking() #%d error = %v", i, err)
		}
	}

	rows := []record.Record{
		{"id": 1, "owner": "ada", "attrs": map[string]any{"zone": "R1"}},
		{"id": 2, "owner": "bob"},
	}
	if err := sink.Write(ctx, "public", "parcels", rows, "id", true); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// Upserting the same key updates instead of failing.
	if err := sink.Write(ctx, "public", "parcels", []record.Record{{"id": 1, "owner": "ada lovelace"}}, "id", true); err != nil {
		t.Fatalf("upsert Write() error = %v", err)
	}
	// A plain insert of an existing key is a conflict.
	err = sink.Write(ctx, "public", "parcels", []record.Record{{"id": 2, "owner": "dup"}}, "", false)
	if errors.CodeOf(err) != errors.CodeConflict {
		t.Errorf("duplicate insert error = %v, want CONFLICT", err)
	}

	db, _ := conn.DB()
	var owner, attrs string
	if err := db.QueryRow(`SELECT owner, attrs FROM parcels WHERE id = 1`).Scan(&owner, &attrs); err != nil {
		t.Fatalf("select error = %v", err)
	}
	if owner != "ada lovelace" || attrs != `{"zone":"R1"}` {
		t.Errorf("row 1 = %q %q", owner, attrs)
	}

	ls, err := sink.GetLastSync(ctx, "csv", "parcels", "public", "parcels")
	if err != nil || ls != nil {
		t.Fatalf("GetLastSync() before any sync = %v, %v", ls, err)
	}
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{first, first.Add(time.Hour)} {
		err := sink.SetLastSync(ctx, ports.LastSync{
			SourceType: "csv", SourceTable: "parcels", TargetSchema: "public", TargetTable: "parcels",
			LastSyncTime: at, SyncKeyColumn: "id", LastKeyValue: "2", RecordCount: i + 1,
		})
		if err != nil {
			t.Fatalf("SetLastSync() error = %v", err)
		}
	}
	ls, err = sink.GetLastSync(ctx, "csv", "parcels", "public", "parcels")
	if err != nil || ls == nil {
		t.Fatalf("GetLastSync() = %v, %v", ls, err)
	}
	if !ls.LastSyncTime.Equal(first.Add(time.Hour)) || ls.RecordCount != 2 || ls.LastKeyValue != "2" {
		t.Errorf("GetLastSync() = %+v", ls)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM sync_last_sync`).Scan(&n)
	if n != 1 {
		t.Errorf("sync_last_sync rows = %d, want 1", n)
	}

	tx := ports.TransactionRecord{
		ID: "5f0c2c1e-8a53-4c56-9d1c-3b0f7d7b9e11", Timestamp: first, Operation: "migrate",
		SourceType: "csv", TargetSchema: "public", TargetTable: "parcels", RecordCount: 2,
		Metadata: map[string]any{"incremental": true},
	}
	if err := sink.RecordTransaction(ctx, tx); err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}
	txs, err := sink.Transactions(ctx)
	if err != nil || len(txs) != 1 {
		t.Fatalf("Transactions() = %v, %v", txs, err)
	}
	if txs[0].ID != tx.ID || txs[0].RecordCount != 2 || txs[0].Metadata["incremental"] != true {
		t.Errorf("Transactions()[0] = %+v", txs[0])
	}
}

func TestNewSQLSink_RejectsSQLServer(t *testing.T) {
	conn, err := database.NewConnection(database.Config{Driver: "sqlserver", DSN: "sqlserver://localhost"})
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if _, err := NewSQLSink(conn); !errors.Is(err, errors.ErrUnsupportedDriver) {
		t.Errorf("NewSQLSink(sqlserver) error = %v", err)
	}
}

// fakePostgREST keeps tables in memory and records request headers.
type fakePostgREST struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	requests []*http.Request
	status   int
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.status != 0 {
		w.WriteHeader(f.status)
		io.WriteString(w, `{"code":"XX000","message":"boom"}`)
		return
	}
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	if strings.HasPrefix(table, "rpc/") {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code":"PGRST202","message":"function not found"}`)
		return
	}
	if p := r.Header.Get("Content-Profile"); p != "" {
		table = p + "." + table
	}

	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(f.match(table, r))
	case http.MethodPost:
		var rows []map[string]any
		data, _ := io.ReadAll(r.Body)
		if json.Unmarshal(data, &rows) != nil {
			var one map[string]any
			json.Unmarshal(data, &one)
			rows = []map[string]any{one}
		}
		f.tables[table] = append(f.tables[table], rows...)
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		var patch map[string]any
		json.NewDecoder(r.Body).Decode(&patch)
		matched := f.match(table, r)
		for _, row := range matched {
			for k, v := range patch {
				row[k] = v
			}
		}
		json.NewEncoder(w).Encode(matched)
	}
}

// match applies eq. filters from the query string.
func (f *fakePostgREST) match(table string, r *http.Request) []map[string]any {
	out := []map[string]any{}
	for _, row := range f.tables[table] {
		ok := true
		for k, vs := range r.URL.Query() {
			if !strings.HasPrefix(vs[0], "eq.") {
				continue
			}
			if row[k] != strings.TrimPrefix(vs[0], "eq.") {
				ok = false
			}
		}
		if ok {
			out = append(out, row)
		}
	}
	return out
}

func newRESTSink(t *testing.T) (*RESTSink, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{tables: map[string][]map[string]any{
		"sync.transactions": {},
		"sync.last_sync":    {},
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	sink, err := NewRESTSink(srv.URL+"/", "service-key", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewRESTSink() error = %v", err)
	}
	return sink, fake
}

func TestRESTSink_Write(t *testing.T) {
	ctx := context.Background()
	sink, fake := newRESTSink(t)

	rows := []record.Record{{"id": 1, "owner": "ada", "seen": time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}}
	if err := sink.Write(ctx, "public", "parcels", rows, "id", true); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	req := fake.requests[0]
	if req.URL.Query().Get("on_conflict") != "id" {
		t.Errorf("on_conflict = %q", req.URL.Query().Get("on_conflict"))
	}
	if got := req.Header.Get("Prefer"); got != "resolution=merge-duplicates,return=minimal" {
		t.Errorf("Prefer = %q", got)
	}
	if req.Header.Get("Content-Profile") != "public" || req.Header.Get("apikey") != "service-key" ||
		req.Header.Get("Authorization") != "Bearer service-key" {
		t.Errorf("headers = %v", req.Header)
	}
	stored := fake.tables["public.parcels"]
	if len(stored) != 1 || stored[0]["seen"] != "2024-01-02T03:04:05Z" {
		t.Errorf("stored rows = %v", stored)
	}

	if err := sink.Write(ctx, "public", "parcels", rows, "id", false); err != nil {
		t.Fatalf("insert Write() error = %v", err)
	}
	if got := fake.requests[1].Header.Get("Prefer"); got != "return=minimal" {
		t.Errorf("insert Prefer = %q", got)
	}
}

func TestRESTSink_Errors(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorCode
	}{
		{http.StatusConflict, errors.CodeConflict},
		{http.StatusServiceUnavailable, errors.CodeTransient},
		{http.StatusTooManyRequests, errors.CodeTransient},
		{http.StatusUnauthorized, errors.CodeConfiguration},
		{http.StatusBadRequest, errors.CodeData},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			sink, fake := newRESTSink(t)
			fake.status = tt.status
			err := sink.Write(context.Background(), "public", "parcels", []record.Record{{"id": 1}}, "", false)
			if errors.CodeOf(err) != tt.want {
				t.Errorf("Write() error = %v, want code %s", err, tt.want)
			}
			if !strings.Contains(err.Error(), "boom") {
				t.Errorf("error should carry the PostgREST message: %v", err)
			}
		})
	}

	if _, err := NewRESTSink("", "key"); errors.CodeOf(err) != errors.CodeConfiguration {
		t.Errorf("NewRESTSink() without url error = %v", err)
	}
}

func TestRESTSink_Tracking(t *testing.T) {
	ctx := context.Background()
	sink, fake := newRESTSink(t)

	if err := sink.EnsureTracking(ctx); err != nil {
		t.Fatalf("EnsureTracking() error = %v", err)
	}

	ls, err := sink.GetLastSync(ctx, "sqlserver", "dbo.parcels", "public", "parcels")
	if err != nil || ls != nil {
		t.Fatalf("GetLastSync() before any sync = %v, %v", ls, err)
	}
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := ports.LastSync{
		SourceType: "sqlserver", SourceTable: "dbo.parcels", TargetSchema: "public", TargetTable: "parcels",
		LastSyncTime: at, SyncKeyColumn: "id", LastKeyValue: "9", RecordCount: 3,
	}
	if err := sink.SetLastSync(ctx, entry); err != nil {
		t.Fatalf("SetLastSync() insert error = %v", err)
	}
	entry.LastSyncTime = at.Add(time.Hour)
	if err := sink.SetLastSync(ctx, entry); err != nil {
		t.Fatalf("SetLastSync() update error = %v", err)
	}
	if n := len(fake.tables["sync.last_sync"]); n != 1 {
		t.Fatalf("last_sync rows = %d, want 1", n)
	}
	ls, err = sink.GetLastSync(ctx, "sqlserver", "dbo.parcels", "public", "parcels")
	if err != nil || ls == nil || !ls.LastSyncTime.Equal(at.Add(time.Hour)) {
		t.Fatalf("GetLastSync() = %+v, %v", ls, err)
	}
	last := fake.requests[len(fake.requests)-1]
	if last.Header.Get("Accept-Profile") != TrackingSchema {
		t.Errorf("Accept-Profile = %q", last.Header.Get("Accept-Profile"))
	}

	err = sink.RecordTransaction(ctx, ports.TransactionRecord{ID: "abc", Timestamp: at, Operation: "migrate", RecordCount: 3})
	if err != nil {
		t.Fatalf("RecordTransaction() error = %v", err)
	}
	txs := fake.tables["sync.transactions"]
	if len(txs) != 1 || txs[0]["id"] != "abc" || txs[0]["rollback_executed"] != false {
		t.Errorf("transactions = %v", txs)
	}
}
