package logger

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path; empty disables file output
	Console   bool
	Pretty    bool // human-readable console output
	Redaction bool
	MaxSize   int // MB before rotation; 0 disables rotation
	MaxAge    int // days to keep rotated files
	Compress  bool

	// Secrets are literal values masked in every line when Redaction is on.
	Secrets []string
	// Console output goes here instead of stdout when set.
	Output io.Writer
}

// Logger owns the process-wide zerolog logger and the files behind it.
type Logger struct {
	zl       zerolog.Logger
	closers  []io.Closer
	redactor *Redactor
}

// New builds a logger from cfg. It does not touch the global logger; call
// SetGlobal for that.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var writers []io.Writer

	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		writers = append(writers, out)
	}

	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, rw)
		writers = append(writers, rw)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, s := range cfg.Secrets {
			l.redactor.AddSecret(s)
		}
		writer = l.redactor.Wrap(writer)
	}

	l.zl = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return l, nil
}

// SetGlobal installs l as zerolog's package logger, which every component
// derives its own logger from.
func (l *Logger) SetGlobal() {
	log.Logger = l.zl
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

// Redactor returns the active redactor, or nil when redaction is off.
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// Close closes the logger and any open files
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	l.closers = nil
	return errors.Join(errs...)
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
