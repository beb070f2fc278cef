package auditstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// File store defaults.
const (
	DefaultMaxFileSizeMB = 10
	DefaultMaxFiles      = 10
	DefaultIndexSize     = 10000
)

const shardTail = "\n]\n"

var shardPattern = regexp.MustCompile(`^audit_(\d+)\.json$`)

// FileConfig configures a FileStore.
type FileConfig struct {
	Directory     string
	MaxFileSizeMB int
	MaxFiles      int
	IndexSize     int
}

type location struct {
	shard  int
	offset int64
}

// FileStore appends events to JSON array shards named audit_NNN.json. A shard
// is closed once it reaches MaxFileSizeMB and the oldest shards beyond
// MaxFiles are deleted. An LRU index maps event IDs to their shard offset.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	maxFiles int
	index    *lru.Cache
	current  int
}

var (
	_ ports.AuditStorePort = (*FileStore)(nil)
	_ ports.AuditPruner    = (*FileStore)(nil)
)

// NewFileStore creates the directory if needed and resumes the newest shard.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Directory == "" {
		return nil, errors.NewError(errors.CodeConfiguration, "audit file store directory is required", nil)
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.IndexSize <= 0 {
		cfg.IndexSize = DefaultIndexSize
	}
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, errors.NewError(errors.CodeFatal, "could not create audit directory", err)
	}
	index, err := lru.New(cfg.IndexSize)
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		dir:      cfg.Directory,
		maxBytes: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		maxFiles: cfg.MaxFiles,
		index:    index,
	}
	shards, err := s.shards()
	if err != nil {
		return nil, err
	}
	s.current = 1
	if len(shards) > 0 {
		s.current = shards[len(shards)-1]
	}
	return s, nil
}

// SetMaxFileSize overrides the shard size limit in bytes.
func (s *FileStore) SetMaxFileSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBytes = n
}

func (s *FileStore) path(shard int) string {
	return filepath.Join(s.dir, fmt.Sprintf("audit_%03d.json", shard))
}

// shards returns the existing shard numbers in ascending order.
func (s *FileStore) shards() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.NewError(errors.CodeFatal, "could not read audit directory", err)
	}
	var out []int
	for _, e := range entries {
		m := shardPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

// StoreEvent appends an event to the current shard.
func (s *FileStore) StoreEvent(_ context.Context, e audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.NewError(errors.CodeData, "could not encode audit event", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := fileSize(s.path(s.current))
	if err != nil {
		return err
	}
	// A shard takes writes until it has reached the limit; the write that
	// crosses it still lands in the shard.
	if size > 0 && size >= s.maxBytes {
		s.current++
		size = 0
		if err := s.enforceMaxFiles(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path(s.current), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Transient("could not open audit shard", err)
	}
	defer f.Close()

	var buf []byte
	var at, offset int64
	if size == 0 {
		buf = append([]byte("[\n"), payload...)
		offset = 2
	} else {
		at = size - int64(len(shardTail))
		buf = append([]byte(",\n"), payload...)
		offset = at + 2
	}
	buf = append(buf, shardTail...)
	if _, err := f.WriteAt(buf, at); err != nil {
		return errors.Transient("could not write audit shard", err)
	}

	s.index.Add(e.EventID, location{shard: s.current, offset: offset})
	return nil
}

// enforceMaxFiles deletes the oldest shards so that, counting the new current
// shard, at most maxFiles remain.
func (s *FileStore) enforceMaxFiles() error {
	shards, err := s.shards()
	if err != nil {
		return err
	}
	excess := len(shards) + 1 - s.maxFiles
	for i := 0; i < excess && i < len(shards); i++ {
		if err := os.Remove(s.path(shards[i])); err != nil && !os.IsNotExist(err) {
			return errors.Transient("could not delete audit shard", err)
		}
		s.dropShardFromIndex(shards[i])
	}
	return nil
}

func (s *FileStore) dropShardFromIndex(shard int) {
	for _, k := range s.index.Keys() {
		if v, ok := s.index.Peek(k); ok && v.(location).shard == shard {
			s.index.Remove(k)
		}
	}
}

// GetEvents returns matching events newest first.
func (s *FileStore) GetEvents(_ context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards, err := s.shards()
	if err != nil {
		return nil, err
	}
	matched := make([]audit.Event, 0)
	for _, shard := range shards {
		events, err := s.readShard(shard)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if filter.Matches(e) {
				matched = append(matched, e)
			}
		}
	}
	return page(matched, limit, offset), nil
}

// GetEvent returns an event by ID, reading it at its indexed offset when known.
func (s *FileStore) GetEvent(_ context.Context, id string) (*audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.index.Get(id); ok {
		loc := v.(location)
		e, err := s.readAt(loc)
		if err == nil && e.EventID == id {
			return e, nil
		}
		s.index.Remove(id)
	}

	shards, err := s.shards()
	if err != nil {
		return nil, err
	}
	for i := len(shards) - 1; i >= 0; i-- {
		events, err := s.readShard(shards[i])
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.EventID == id {
				return &e, nil
			}
		}
	}
	return nil, notFound(id)
}

// DeleteBefore rewrites every shard without events older than cutoff. Empty
// shards are removed and the offset index is rebuilt on demand.
func (s *FileStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards, err := s.shards()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, shard := range shards {
		events, err := s.readShard(shard)
		if err != nil {
			return deleted, err
		}
		kept := events[:0]
		for _, e := range events {
			if e.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == len(events) {
			continue
		}
		if err := s.rewriteShard(shard, kept); err != nil {
			return deleted, err
		}
	}
	s.index.Purge()
	return deleted, nil
}

func (s *FileStore) rewriteShard(shard int, events []audit.Event) error {
	path := s.path(shard)
	if len(events) == 0 && shard != s.current {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Transient("could not delete audit shard", err)
		}
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Transient("could not rewrite audit shard", err)
	}
	w := bufio.NewWriter(f)
	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return errors.NewError(errors.CodeData, "could not encode audit event", err)
		}
		if i == 0 {
			w.WriteString("[\n")
		} else {
			w.WriteString(",\n")
		}
		w.Write(payload)
	}
	if len(events) > 0 {
		w.WriteString(shardTail)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Transient("could not rewrite audit shard", err)
	}
	if err := f.Close(); err != nil {
		return errors.Transient("could not rewrite audit shard", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) readShard(shard int) ([]audit.Event, error) {
	data, err := os.ReadFile(s.path(shard))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Transient("could not read audit shard", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var events []audit.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, errors.WithContext(
			errors.NewError(errors.CodeData, "corrupt audit shard", err),
			"file", s.path(shard))
	}
	return events, nil
}

func (s *FileStore) readAt(loc location) (*audit.Event, error) {
	f, err := os.Open(s.path(loc.shard))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(loc.offset, io.SeekStart); err != nil {
		return nil, err
	}
	var e audit.Event
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Transient("could not stat audit shard", err)
	}
	return info.Size(), nil
}
