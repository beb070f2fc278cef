// Package statestore persists sync job state as JSON files or in a SQL table.
package statestore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
)

const stateSuffix = ".json"

// FileStore keeps one JSON file per job in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

var _ ports.StateStorePort = (*FileStore)(nil)

// NewFileStore creates the directory if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.NewError(errors.CodeConfiguration, "state directory is required", nil)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewError(errors.CodeFatal, "could not create state directory", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", errors.New("state", "invalid job id "+jobID)
	}
	return filepath.Join(s.dir, jobID+stateSuffix), nil
}

// Save writes the state to a temporary file and renames it into place.
func (s *FileStore) Save(_ context.Context, state *job.SyncState) error {
	path, err := s.path(state.JobID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state.StripRecords(), "", "  ")
	if err != nil {
		return errors.NewError(errors.CodeData, "could not encode job state", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+state.JobID+"-*.tmp")
	if err != nil {
		return errors.Transient("could not create state file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Transient("could not write state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Transient("could not sync state file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Transient("could not close state file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Transient("could not replace state file", err)
	}
	return nil
}

// Load reads the state of a job.
func (s *FileStore) Load(_ context.Context, jobID string) (*job.SyncState, error) {
	path, err := s.path(jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, jobNotFound(jobID)
	}
	if err != nil {
		return nil, errors.Transient("could not read state file", err)
	}
	return decodeState(data, path)
}

// List returns every persisted state, most recently updated first.
func (s *FileStore) List(_ context.Context) ([]*job.SyncState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Transient("could not read state directory", err)
	}
	states := make([]*job.SyncState, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, stateSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		st, err := decodeState(data, path)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	sortNewestFirst(states)
	return states, nil
}

// Delete removes the state of a job.
func (s *FileStore) Delete(_ context.Context, jobID string) error {
	path, err := s.path(jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return jobNotFound(jobID)
		}
		return errors.Transient("could not delete state file", err)
	}
	return nil
}

func decodeState(data []byte, source string) (*job.SyncState, error) {
	var st job.SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WithContext(
			errors.NewError(errors.CodeData, "corrupt job state", err),
			"source", source)
	}
	if st.Operations == nil {
		st.Operations = make(map[string]*job.SyncOperation)
	}
	if st.TableCheckpoints == nil {
		st.TableCheckpoints = make(map[string]*job.Checkpoint)
	}
	if st.TableStats == nil {
		st.TableStats = make(map[string]*job.TableStats)
	}
	return &st, nil
}

func sortNewestFirst(states []*job.SyncState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
}

func jobNotFound(jobID string) error {
	return errors.WithContext(
		errors.NewError(errors.CodeNotFound, "job state not found: "+jobID, errors.ErrJobNotFound),
		"job_id", jobID)
}
