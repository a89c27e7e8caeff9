// Package report implements operator-visible output for node operations.
//
// Every phase transition, retry, and terminal state is reported with enough
// identifying detail (resource name, phase name, elapsed/remaining time) that
// an operator can diagnose a stuck operation from the console alone.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")

	successStyle = lipgloss.NewStyle().Foreground(colorGreen)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
	stepStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	actionStyle  = lipgloss.NewStyle().Foreground(colorDim)
)

// Reporter writes formatted progress output for a single node operation.
type Reporter struct {
	out   io.Writer
	color bool
	debug bool
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithWriter directs output to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(r *Reporter) { r.out = w }
}

// WithDebug enables action-level output (command traces and similar detail).
func WithDebug(debug bool) Option {
	return func(r *Reporter) { r.debug = debug }
}

// WithColor forces color on or off regardless of TTY detection.
func WithColor(enabled bool) Option {
	return func(r *Reporter) { r.color = enabled }
}

// New creates a Reporter writing to stdout, with color when stdout is a TTY.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		out:   os.Stdout,
		color: isatty.IsTerminal(os.Stdout.Fd()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) render(style lipgloss.Style, s string) string {
	if !r.color {
		return s
	}
	return style.Render(s)
}

// Header prints a section header with visual separation.
func (r *Reporter) Header(message string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintf(r.out, "\n%s\n %s\n%s\n", line, strings.ToUpper(message), line)
}

// Info prints an informational message.
func (r *Reporter) Info(format string, args ...any) {
	fmt.Fprintf(r.out, "    [INFO]  %s\n", fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (r *Reporter) Success(format string, args ...any) {
	fmt.Fprintf(r.out, "    %s %s\n", r.render(successStyle, "[OK]"), fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (r *Reporter) Warning(format string, args ...any) {
	fmt.Fprintf(r.out, "    %s %s\n", r.render(warningStyle, "[??]"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (r *Reporter) Error(format string, args ...any) {
	fmt.Fprintf(r.out, "    %s %s\n", r.render(errorStyle, "[!!]"), fmt.Sprintf(format, args...))
}

// Step prints a numbered step marker.
func (r *Reporter) Step(step, total int, message string) {
	fmt.Fprintf(r.out, "%s %s\n", r.render(stepStyle, fmt.Sprintf("[%d/%d]", step, total)), message)
}

// Action prints the action being performed. Only emitted in debug mode.
func (r *Reporter) Action(format string, args ...any) {
	if !r.debug {
		return
	}
	fmt.Fprintf(r.out, "    %s %s\n", r.render(actionStyle, "[ACTION]"), fmt.Sprintf(format, args...))
}

// FormatDuration renders an elapsed duration the way operators read it:
// "5m 23s", "1h 15m 30s", or "42s".
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
