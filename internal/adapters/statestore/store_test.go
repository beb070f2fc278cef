package statestore

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

func sampleState(updated time.Time) *job.SyncState {
	spec := job.TableSpec{Name: "parcels", PrimaryKeys: []string{"id"}, Fields: []string{"id", "v"}}
	st := job.NewSyncState("src", "dst", []job.TableSpec{spec})
	op := job.NewOperation("parcels", job.OperationInsert, "1", record.Record{"id": 1, "v": "secret"})
	st.Operations[job.OperationKey("parcels", "1")] = op
	st.SetCheckpoint("parcels", job.CheckpointChangesDetected, 1, "")
	st.RecordOutcome("parcels", job.OutcomeInserted)
	st.UpdatedAt = updated
	return st
}

func TestStateStores(t *testing.T) {
	factories := map[string]func(t *testing.T) ports.StateStorePort{
		"file": func(t *testing.T) ports.StateStorePort {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "states"))
			if err != nil {
				t.Fatalf("NewFileStore() error = %v", err)
			}
			return s
		},
		"database": func(t *testing.T) ports.StateStorePort {
			ctx := context.Background()
			conn, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "state.db")})
			if err != nil {
				t.Fatalf("database.Open() error = %v", err)
			}
			t.Cleanup(func() { conn.Close() })
			s, err := NewDatabaseStore(ctx, conn)
			if err != nil {
				t.Fatalf("NewDatabaseStore() error = %v", err)
			}
			return s
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			now := time.Now().UTC()

			older := sampleState(now.Add(-time.Hour))
			newer := sampleState(now)
			for _, st := range []*job.SyncState{older, newer} {
				if err := s.Save(ctx, st); err != nil {
					t.Fatalf("Save() error = %v", err)
				}
			}

			got, err := s.Load(ctx, newer.JobID)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			op := got.Operations[job.OperationKey("parcels", "1")]
			if op == nil || op.Records != nil || op.RecordID() != "1" {
				t.Errorf("loaded operation = %+v, want record payload stripped", op)
			}
			if got.Stats.InsertedRecords != 1 || got.TableCheckpoints["parcels"].ProcessedChanges != 1 {
				t.Errorf("loaded stats = %+v", got.Stats)
			}
			if newer.Operations[job.OperationKey("parcels", "1")].Records == nil {
				t.Error("Save() must not strip the in-memory state")
			}

			// Saving again replaces the previous state.
			newer.Transition(job.StatusRunning)
			if err := s.Save(ctx, newer); err != nil {
				t.Fatalf("second Save() error = %v", err)
			}
			got, _ = s.Load(ctx, newer.JobID)
			if got.Status != job.StatusRunning {
				t.Errorf("status after re-save = %s", got.Status)
			}

			list, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(list) != 2 || list[0].JobID != newer.JobID {
				t.Errorf("List() returned %d states, first %s", len(list), list[0].JobID)
			}

			if err := s.Delete(ctx, older.JobID); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			_, err = s.Load(ctx, older.JobID)
			if !stderrors.Is(err, errors.ErrJobNotFound) || errors.CodeOf(err) != errors.CodeNotFound {
				t.Errorf("Load() after delete error = %v", err)
			}
			if err := s.Delete(ctx, older.JobID); !stderrors.Is(err, errors.ErrJobNotFound) {
				t.Errorf("second Delete() error = %v", err)
			}
		})
	}
}

func TestFileStore_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	st := sampleState(time.Now())
	if err := s.Save(context.Background(), st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != st.JobID+".json" {
		t.Errorf("directory contents = %v", entries)
	}
}

func TestFileStore_InvalidJobID(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	if _, err := s.Load(context.Background(), "../etc/passwd"); err == nil {
		t.Error("Load() should reject path traversal")
	}
}
