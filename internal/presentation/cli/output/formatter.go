// Package output formats terrasync command output as text tables or JSON.
package output

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Format is the output format selected with --output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Color is an ANSI escape sequence.
type Color string

const (
	ColorReset  Color = "\033[0m"
	ColorRed    Color = "\033[31m"
	ColorGreen  Color = "\033[32m"
	ColorYellow Color = "\033[33m"
	ColorBlue   Color = "\033[34m"
	ColorCyan   Color = "\033[36m"
	ColorBold   Color = "\033[1m"
	ColorDim    Color = "\033[2m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visibleWidth is the number of terminal cells s occupies, ignoring color codes.
func visibleWidth(s string) int {
	return utf8.RuneCountInString(ansiPattern.ReplaceAllString(s, ""))
}

// Formatter writes command output in the selected format. It is safe for
// concurrent use.
type Formatter struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	color  bool
}

// Option configures a Formatter.
type Option func(*Formatter)

// NewFormatter creates a Formatter writing colored text to stdout unless
// options say otherwise.
func NewFormatter(opts ...Option) *Formatter {
	f := &Formatter{w: os.Stdout, format: FormatText, color: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) { f.w = w }
}

// WithFormat sets the output format.
func WithFormat(format Format) Option {
	return func(f *Formatter) { f.format = format }
}

// WithColor enables or disables ANSI colors.
func WithColor(enabled bool) Option {
	return func(f *Formatter) { f.color = enabled }
}

// Format returns the output format.
func (f *Formatter) Format() Format {
	return f.format
}

// Println writes a formatted line.
func (f *Formatter) Println(format string, args ...any) error {
	return f.write(fmt.Sprintf(format, args...) + "\n")
}

func (f *Formatter) write(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := io.WriteString(f.w, s)
	return err
}

// Colorize wraps text in color when colors are enabled.
func (f *Formatter) Colorize(text string, color Color) string {
	if !f.color || text == "" {
		return text
	}
	return string(color) + text + string(ColorReset)
}

// Bold renders text in bold.
func (f *Formatter) Bold(text string) string { return f.Colorize(text, ColorBold) }

// Dim renders text dimmed.
func (f *Formatter) Dim(text string) string { return f.Colorize(text, ColorDim) }

func (f *Formatter) status(glyph string, color Color, format string, args []any) error {
	return f.Println("%s", f.Colorize(glyph+" "+fmt.Sprintf(format, args...), color))
}

// Success prints a line prefixed with a check mark.
func (f *Formatter) Success(format string, args ...any) error {
	return f.status("✓", ColorGreen, format, args)
}

// Error prints a line prefixed with a cross.
func (f *Formatter) Error(format string, args ...any) error {
	return f.status("✗", ColorRed, format, args)
}

// Warning prints a line prefixed with a warning sign.
func (f *Formatter) Warning(format string, args ...any) error {
	return f.status("⚠", ColorYellow, format, args)
}

// Info prints a line prefixed with an info sign.
func (f *Formatter) Info(format string, args ...any) error {
	return f.status("ℹ", ColorBlue, format, args)
}

// Header prints a bold title underlined to its width.
func (f *Formatter) Header(title string) error {
	return f.write(f.Bold(title) + "\n" + strings.Repeat("─", visibleWidth(title)) + "\n")
}

// SubHeader prints a section title.
func (f *Formatter) SubHeader(title string) error {
	return f.Println("%s", f.Colorize(title, ColorCyan))
}

// Item prints an indented "key: value" line.
func (f *Formatter) Item(key, value string) error {
	return f.Println("  %s: %s", f.Dim(key), value)
}

// Alignment is the alignment of a table column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// TableColumn describes one table column. Width is a minimum.
type TableColumn struct {
	Header string
	Width  int
	Align  Alignment
}

// TableData holds a table's columns and rows. Cells beyond the last column
// are dropped; cells may carry color codes.
type TableData struct {
	Columns []TableColumn
	Rows    [][]string
}

// Table prints data as aligned columns separated by two spaces.
func (f *Formatter) Table(data TableData) error {
	if len(data.Columns) == 0 {
		return nil
	}

	widths := make([]int, len(data.Columns))
	for i, col := range data.Columns {
		widths[i] = max(visibleWidth(col.Header), col.Width)
	}
	for _, row := range data.Rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], visibleWidth(row[i]))
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style func(string) string) {
		parts := make([]string, len(data.Columns))
		for i, col := range data.Columns {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = pad(cell, widths[i], col.Align)
		}
		b.WriteString(style(strings.TrimRight(strings.Join(parts, "  "), " ")))
		b.WriteByte('\n')
	}

	headers := make([]string, len(data.Columns))
	rules := make([]string, len(data.Columns))
	for i, col := range data.Columns {
		headers[i] = col.Header
		rules[i] = strings.Repeat("-", widths[i])
	}
	writeRow(headers, f.Bold)
	writeRow(rules, func(s string) string { return s })
	for _, row := range data.Rows {
		writeRow(row, func(s string) string { return s })
	}

	return f.write(b.String())
}

func pad(cell string, width int, align Alignment) string {
	n := width - visibleWidth(cell)
	if n <= 0 {
		return cell
	}
	if align == AlignRight {
		return strings.Repeat(" ", n) + cell
	}
	return cell + strings.Repeat(" ", n)
}

// JSON prints v as indented JSON.
func (f *Formatter) JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return f.write(string(data) + "\n")
}

// ParseFormat parses an --output value. "table" is accepted as text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "table", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

// Spinner shows an animated progress line with the elapsed time while a
// job runs.
type Spinner struct {
	mu      sync.Mutex
	w       io.Writer
	color   bool
	message string
	started time.Time
	done    chan struct{}
	exited  chan struct{}
	width   int
}

// SpinnerOption configures a Spinner.
type SpinnerOption func(*Spinner)

// WithSpinnerWriter sets where the spinner draws. Callers usually pass stderr.
func WithSpinnerWriter(w io.Writer) SpinnerOption {
	return func(s *Spinner) { s.w = w }
}

// WithSpinnerColor enables or disables ANSI colors.
func WithSpinnerColor(enabled bool) SpinnerOption {
	return func(s *Spinner) { s.color = enabled }
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const spinnerInterval = 100 * time.Millisecond

// NewSpinner creates a stopped Spinner.
func NewSpinner(message string, opts ...SpinnerOption) *Spinner {
	s := &Spinner{w: os.Stderr, color: true, message: message}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins drawing. Starting a running spinner does nothing.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.started = time.Now()
	s.done = make(chan struct{})
	s.exited = make(chan struct{})
	go s.run(s.done, s.exited)
}

// Update replaces the message shown next to the spinner.
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop stops drawing and erases the spinner line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	done, exited := s.done, s.exited
	s.done, s.exited = nil, nil
	s.mu.Unlock()
	if done == nil {
		return
	}

	close(done)
	<-exited

	s.mu.Lock()
	_, _ = fmt.Fprintf(s.w, "\r%s\r", strings.Repeat(" ", s.width))
	s.mu.Unlock()
}

// StopWithSuccess stops the spinner and prints message with a check mark.
func (s *Spinner) StopWithSuccess(message string) {
	s.finish("✓", ColorGreen, message)
}

// StopWithError stops the spinner and prints message with a cross.
func (s *Spinner) StopWithError(message string) {
	s.finish("✗", ColorRed, message)
}

func (s *Spinner) finish(glyph string, color Color, message string) {
	s.Stop()
	line := glyph + " " + message
	if s.color {
		line = string(color) + line + string(ColorReset)
	}
	_, _ = fmt.Fprintln(s.w, line)
}

func (s *Spinner) run(done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		glyph := spinnerFrames[frame%len(spinnerFrames)]
		if s.color {
			glyph = string(ColorCyan) + glyph + string(ColorReset)
		}
		text := fmt.Sprintf("%s (%s)", s.message, time.Since(s.started).Truncate(time.Second))
		s.width = max(s.width, utf8.RuneCountInString(text)+2)
		_, _ = fmt.Fprintf(s.w, "\r%s %s", glyph, text)
		s.mu.Unlock()
	}
}
