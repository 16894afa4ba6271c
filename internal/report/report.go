// Package report carries the human readable progress lines of a deployment.
package report

import (
	"fmt"
	"io"
	"sync"
)

// Reporter receives one line per deployment milestone.
type Reporter interface {
	Line(format string, args ...any)
}

// Writer prints lines to an io.Writer.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter returns a reporter that prints to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Line prints one formatted line followed by a newline.
func (w *Writer) Line(format string, args ...any) {
	if w == nil || w.out == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Recorder keeps lines in memory.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Line records one formatted line.
func (r *Recorder) Line(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

// Lines returns a copy of everything recorded so far.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type discard struct{}

func (discard) Line(string, ...any) {}

// Discard drops every line.
func Discard() Reporter { return discard{} }
