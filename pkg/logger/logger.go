package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config describes how the deployer's loggers should behave.
type Config struct {
	Level   string
	Format  string
	Outputs []string
	Audit   AuditConfig
}

// AuditConfig controls the deployment audit trail. The audit logger always
// writes JSON so records can be ingested later.
type AuditConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Set bundles the operational logger and the audit logger together with the
// files they own.
type Set struct {
	Logger  *slog.Logger
	Audit   *slog.Logger
	closers []io.Closer
}

// New builds a logger set from cfg. Callers must Close it on shutdown.
func New(cfg Config) (*Set, error) {
	set := &Set{}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	writer, err := set.openOutputs(cfg.Outputs)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	if strings.EqualFold(cfg.Format, "json") {
		set.Logger = slog.New(slog.NewJSONHandler(writer, opts))
	} else {
		set.Logger = slog.New(slog.NewTextHandler(writer, opts))
	}

	set.Audit = set.Logger
	if strings.TrimSpace(cfg.Audit.Path) != "" {
		rotating, err := newRotatingWriter(cfg.Audit)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.closers = append(set.closers, rotating)
		set.Audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return set, nil
}

func (s *Set) openOutputs(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stderr, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(strings.TrimSpace(out)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr", "":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", out, err)
			}
			s.closers = append(s.closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

// Close flushes and closes every file owned by the set.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var err error
	for _, closer := range s.closers {
		err = errors.Join(err, closer.Close())
	}
	s.closers = nil
	return err
}

// ParseLevel maps a textual level to slog; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// Named returns a child logger tagged with the component name.
func Named(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", name))
}
