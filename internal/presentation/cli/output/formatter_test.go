package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewFormatter(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f := NewFormatter()
		if f.Format() != FormatText {
			t.Errorf("format = %v, want %v", f.Format(), FormatText)
		}
		if !f.color {
			t.Error("expected color to be enabled by default")
		}
	})

	t.Run("options", func(t *testing.T) {
		var buf bytes.Buffer
		f := NewFormatter(WithWriter(&buf), WithFormat(FormatJSON), WithColor(false))
		if f.Format() != FormatJSON {
			t.Errorf("format = %v, want %v", f.Format(), FormatJSON)
		}
		if f.color {
			t.Error("expected color to be disabled")
		}
		f.Println("x")
		if buf.String() != "x\n" {
			t.Errorf("writer not used, got %q", buf.String())
		}
	})
}

func TestFormatter_Colorize(t *testing.T) {
	tests := []struct {
		name  string
		color bool
		text  string
		want  string
	}{
		{"enabled", true, "failed", string(ColorRed) + "failed" + string(ColorReset)},
		{"disabled", false, "failed", "failed"},
		{"empty text", true, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NewFormatter(WithColor(tc.color)).Colorize(tc.text, ColorRed); got != tc.want {
				t.Errorf("Colorize = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatter_MessageTypes(t *testing.T) {
	tests := []struct {
		name   string
		method func(*Formatter, string, ...any) error
		prefix string
	}{
		{"Success", (*Formatter).Success, "✓"},
		{"Error", (*Formatter).Error, "✗"},
		{"Warning", (*Formatter).Warning, "⚠"},
		{"Info", (*Formatter).Info, "ℹ"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := NewFormatter(WithWriter(&buf), WithColor(false))

			if err := tc.method(f, "job %s", "abc"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := buf.String(); got != tc.prefix+" job abc\n" {
				t.Errorf("output = %q", got)
			}
		})
	}
}

func TestFormatter_HeaderAndItem(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(WithWriter(&buf), WithColor(false))

	f.Header("Job état")
	f.Item("Status", "running")

	want := "Job état\n────────\n  Status: running\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestFormatter_Table(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		var buf bytes.Buffer
		f := NewFormatter(WithWriter(&buf), WithColor(false))

		err := f.Table(TableData{
			Columns: []TableColumn{
				{Header: "TABLE"},
				{Header: "STATUS", Width: 9},
				{Header: "ROWS", Align: AlignRight},
			},
			Rows: [][]string{
				{"parcels", "completed", "5"},
				{"owners", "error", "10", "dropped"},
				{"short"},
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := []string{
			"TABLE    STATUS     ROWS",
			"-------  ---------  ----",
			"parcels  completed     5",
			"owners   error        10",
			"short",
		}
		got := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
		if strings.Join(got, "\n") != strings.Join(want, "\n") {
			t.Errorf("table =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
		}
	})

	t.Run("colored cells keep alignment", func(t *testing.T) {
		var buf bytes.Buffer
		f := NewFormatter(WithWriter(&buf), WithColor(true))

		f.Table(TableData{
			Columns: []TableColumn{{Header: "STATUS"}, {Header: "N", Align: AlignRight}},
			Rows: [][]string{
				{f.Colorize("failed", ColorRed), "1"},
				{"completed", "22"},
			},
		})

		lines := strings.Split(ansiPattern.ReplaceAllString(buf.String(), ""), "\n")
		if lines[2] != "failed      1" || lines[3] != "completed  22" {
			t.Errorf("rows = %q", lines[2:4])
		}
	})

	t.Run("no columns", func(t *testing.T) {
		var buf bytes.Buffer
		f := NewFormatter(WithWriter(&buf))
		if err := f.Table(TableData{Rows: [][]string{{"a"}}}); err != nil {
			t.Fatal(err)
		}
		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})
}

func TestVisibleWidth(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"──", 2},
		{string(ColorGreen) + "ok" + string(ColorReset), 2},
	}
	for _, tc := range tests {
		if got := visibleWidth(tc.in); got != tc.want {
			t.Errorf("visibleWidth(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatter_JSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(WithWriter(&buf))

	if err := f.JSON(map[string]any{"job_id": "abc", "status": "completed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["status"] != "completed" {
		t.Errorf("status = %v", decoded["status"])
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Error("expected indented JSON")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"text", FormatText, false},
		{"table", FormatText, false},
		{"  JSON ", FormatJSON, false},
		{"", FormatText, false},
		{"xml", FormatText, true},
	}

	for _, tc := range tests {
		got, err := ParseFormat(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

// lockedBuffer lets the test read what the spinner goroutine writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner(t *testing.T) {
	t.Run("stop with success", func(t *testing.T) {
		var buf lockedBuffer
		s := NewSpinner("Syncing", WithSpinnerWriter(&buf), WithSpinnerColor(false))

		s.Start()
		s.Start()
		s.Update("Syncing parcels")
		time.Sleep(3 * spinnerInterval)
		s.StopWithSuccess("Sync completed")

		out := buf.String()
		if !strings.Contains(out, "Syncing parcels (") {
			t.Errorf("expected updated message with elapsed time, got %q", out)
		}
		if !strings.HasSuffix(out, "\r✓ Sync completed\n") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("stop with error before first frame", func(t *testing.T) {
		var buf lockedBuffer
		s := NewSpinner("Syncing", WithSpinnerWriter(&buf), WithSpinnerColor(false))

		s.Start()
		s.StopWithError("Sync failed")

		if !strings.HasSuffix(buf.String(), "✗ Sync failed\n") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		var buf lockedBuffer
		s := NewSpinner("idle", WithSpinnerWriter(&buf))
		s.Stop()
		s.Stop()
		if buf.String() != "" {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})
}

func TestFormatter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(WithWriter(&buf))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.Println("worker %d row %d", n, j)
			}
		}(i)
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "\n"); got != 1000 {
		t.Errorf("lines = %d, want 1000", got)
	}
}
