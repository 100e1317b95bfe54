// Package output provides formatting utilities for botctl output including
// colored terminal output, tables and JSON.
package output

import (
	"fmt"
	"io"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorCyan   = "\033[0;36m"
)

// Styler formats messages with optional color codes for terminal output.
type Styler struct {
	noColor bool
}

// NewStyler creates a new Styler. If noColor is true, ANSI color codes are omitted.
func NewStyler(noColor bool) *Styler {
	return &Styler{noColor: noColor}
}

func (s *Styler) Success(msg string) string {
	return s.format(colorGreen, "✓", msg)
}

func (s *Styler) Error(msg string) string {
	return s.format(colorRed, "✗", msg)
}

func (s *Styler) Info(msg string) string {
	return s.format(colorCyan, "ℹ", msg)
}

func (s *Styler) Warn(msg string) string {
	return s.format(colorYellow, "⚠", msg)
}

// Enabled renders a bot's enabled flag for table cells.
func (s *Styler) Enabled(enabled bool) string {
	if enabled {
		return s.color(colorGreen, "enabled")
	}
	return s.color(colorYellow, "disabled")
}

// Owner renders a tenant's owning pod, or "unowned".
func (s *Styler) Owner(pod string) string {
	if pod == "" {
		return s.color(colorYellow, "unowned")
	}
	return pod
}

func (s *Styler) format(color, symbol, msg string) string {
	return fmt.Sprintf("%s %s", s.color(color, symbol), msg)
}

func (s *Styler) color(color, text string) string {
	if s.noColor {
		return text
	}
	return color + text + colorReset
}

func (s *Styler) FprintSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, s.Success(msg))
}

func (s *Styler) FprintError(w io.Writer, msg string) {
	fmt.Fprintln(w, s.Error(msg))
}

func (s *Styler) FprintInfo(w io.Writer, msg string) {
	fmt.Fprintln(w, s.Info(msg))
}

func (s *Styler) FprintWarn(w io.Writer, msg string) {
	fmt.Fprintln(w, s.Warn(msg))
}
