package logger

import (
	"io"
	"regexp"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	name    string
	pattern *regexp.Regexp
	// keep preserves the first submatch, so "token=abc" becomes
	// "token=[REDACTED]".
	keep bool
}

// Redactor masks credentials in log output.
type Redactor struct {
	mu      sync.RWMutex
	rules   []redactionRule
	secrets []string
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			{name: "anthropic_key", pattern: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`)},
			{name: "openai_key", pattern: regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`)},
			{name: "bearer", pattern: regexp.MustCompile(`(Bearer\s+)[a-zA-Z0-9._~+/-]+=*`), keep: true},
			{name: "telegram_token", pattern: regexp.MustCompile(`\d{6,12}:[a-zA-Z0-9_-]{30,}`)},
			{name: "shared_secret", pattern: regexp.MustCompile(`(?i)(x-switchboard-secret["\s:=]+)[^\s",]+`), keep: true},
			{name: "password", pattern: regexp.MustCompile(`(?i)((?:password|pwd)["\s:=]+)[^\s",]+`), keep: true},
			{name: "token", pattern: regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9._:-]{20,}`), keep: true},
			{name: "secret", pattern: regexp.MustCompile(`(?i)(secret["\s:=]+)[^\s",]+`), keep: true},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, redactionRule{name: "custom", pattern: re})
	r.mu.Unlock()
	return nil
}

// AddSecret masks every literal occurrence of value. Values shorter than
// four characters are ignored.
func (r *Redactor) AddSecret(value string) {
	value = strings.TrimSpace(value)
	if len(value) < 4 {
		return
	}
	r.mu.Lock()
	r.secrets = append(r.secrets, value)
	r.mu.Unlock()
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	for _, rule := range r.rules {
		if rule.keep {
			s = rule.pattern.ReplaceAllString(s, "${1}"+redacted)
			continue
		}
		s = rule.pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shortened
// line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
