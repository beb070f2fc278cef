package detect

import (
	"context"
	"strings"
	"testing"

	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
	"github.com/terrafusion/syncservice/internal/infrastructure/testutil"
)

func ids(rows []record.Record) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID([]string{"id"})
	}
	return out
}

func TestDetector_Detect(t *testing.T) {
	ctx := context.Background()
	spec := testutil.NewTableSpec("t", "v")
	cols := []string{"id", "v"}

	tests := []struct {
		name         string
		source       []record.Record
		target       []record.Record
		wantNew      []string
		wantModified []string
		wantDeleted  []string
	}{
		{
			name:    "insert only",
			source:  testutil.Rows(cols, []any{1, 10}, []any{2, 20}),
			wantNew: []string{"1", "2"},
		},
		{
			name:         "modify and delete",
			source:       testutil.Rows(cols, []any{1, 11}, []any{3, 30}),
			target:       testutil.Rows(cols, []any{1, 10}, []any{2, 20}),
			wantNew:      []string{"3"},
			wantModified: []string{"1"},
			wantDeleted:  []string{"2"},
		},
		{
			name:   "coerced values are equal",
			source: testutil.Rows(cols, []any{1, "10"}, []any{2, 20.0}),
			target: testutil.Rows(cols, []any{1, int64(10)}, []any{2, 20}),
		},
		{
			name: "both empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewMemoryStore("src")
			dst := testutil.NewMemoryStore("dst")
			src.Seed(spec, tt.source...)
			dst.Seed(spec, tt.target...)

			cs, err := New().Detect(ctx, src, dst, spec)
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			assertIDs(t, "new", ids(cs.New), tt.wantNew)
			assertIDs(t, "modified", ids(cs.Modified), tt.wantModified)
			assertIDs(t, "deleted", ids(cs.Deleted), tt.wantDeleted)
			if cs.Total() != len(tt.wantNew)+len(tt.wantModified)+len(tt.wantDeleted) {
				t.Errorf("Total() = %d", cs.Total())
			}
		})
	}
}

func TestDetector_BaseSnapshot(t *testing.T) {
	ctx := context.Background()
	spec := testutil.NewTableSpec("t", "v")
	src := testutil.NewMemoryStore("src")
	dst := testutil.NewMemoryStore("dst")
	src.Seed(spec, record.Record{"id": 1, "v": 11})
	dst.Seed(spec, record.Record{"id": 1, "v": 10})

	cs, err := New().Detect(ctx, src, dst, spec)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	base, ok := cs.Base["1"]
	if !ok {
		t.Fatal("expected base snapshot for modified record")
	}
	if base["v"] != 10 {
		t.Errorf("base v = %v, want 10", base["v"])
	}
}

func TestDetector_WithMapper(t *testing.T) {
	ctx := context.Background()
	spec := testutil.NewTableSpec("t", "name")
	src := testutil.NewMemoryStore("src")
	dst := testutil.NewMemoryStore("dst")
	src.Seed(spec,
		record.Record{"id": 1, "name": "alice"},
		record.Record{"id": 2, "name": "bob"},
		record.Record{"id": 3, "name": "carol"},
	)
	dst.Seed(spec,
		record.Record{"id": 1, "name": "ALICE"},
		record.Record{"id": 2, "name": "bob"},
	)
	upper := func(r record.Record) record.Record {
		out := r.Clone()
		out["name"] = strings.ToUpper(out["name"].(string))
		return out
	}

	cs, err := New().Detect(ctx, src, dst, spec, WithMapper(upper))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	assertIDs(t, "new", ids(cs.New), []string{"3"})
	assertIDs(t, "modified", ids(cs.Modified), []string{"2"})
	assertIDs(t, "deleted", ids(cs.Deleted), nil)
	if got := cs.New[0]["name"]; got != "CAROL" {
		t.Errorf("new row name = %v, want the mapped value CAROL", got)
	}
	if got := cs.Base["2"]["name"]; got != "bob" {
		t.Errorf("base name = %v, want the target value", got)
	}
}

func TestDetector_DeterministicAcrossBatchSizes(t *testing.T) {
	ctx := context.Background()
	cols := []string{"id", "v"}
	var source, target []record.Record
	for i := 0; i < 25; i++ {
		source = append(source, testutil.Rows(cols, []any{i, i})...)
		if i%3 != 0 {
			target = append(target, testutil.Rows(cols, []any{i, i % 2})...)
		}
	}
	target = append(target, testutil.Rows(cols, []any{100, 1})...)

	var first []string
	for _, size := range []int{1, 7, 1000} {
		spec := testutil.NewTableSpec("t", "v")
		spec.BatchSize = size
		src := testutil.NewMemoryStore("src")
		dst := testutil.NewMemoryStore("dst")
		src.Seed(spec, source...)
		dst.Seed(spec, target...)

		cs, err := New().Detect(ctx, src, dst, spec)
		if err != nil {
			t.Fatalf("Detect() error = %v", err)
		}
		got := append(append(ids(cs.New), ids(cs.Modified)...), ids(cs.Deleted)...)
		if first == nil {
			first = got
			continue
		}
		assertIDs(t, "batch size", got, first)
	}
}

func TestDetector_MissingPrimaryKey(t *testing.T) {
	ctx := context.Background()
	spec := testutil.NewTableSpec("t", "v")
	src := testutil.NewMemoryStore("src")
	src.Seed(spec, record.Record{"id": 1, "v": 1})
	spec.PrimaryKeys = []string{"code"}
	spec.Fields = []string{"code", "v"}

	_, err := New().Detect(ctx, src, testutil.NewMemoryStore("dst"), spec)
	if errors.CodeOf(err) != errors.CodeSchema {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func assertIDs(t *testing.T, label string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", label, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", label, got, want)
		}
	}
}
