package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	fileExt      = ".jsonl"
	metaType     = "metadata"
	tracerName   = "switchboard.session"
	maxLineBytes = 4 * 1024 * 1024
)

// Options configures a Store.
type Options struct {
	Dir string
	Now func() time.Time
}

// Store persists one append-only JSONL log per session key.
type Store struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seqs  map[string]int64
}

// New creates a Store rooted at dir (default ~/.switchboard/sessions).
func New(dir string) (*Store, error) {
	return NewWithOptions(Options{Dir: dir})
}

// NewWithOptions creates a Store.
func NewWithOptions(opts Options) (*Store, error) {
	observability.EnsureRegistered()

	if opts.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		opts.Dir = filepath.Join(home, ".switchboard", "sessions")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:   opts.Dir,
		now:   opts.Now,
		locks: make(map[string]*sync.Mutex),
		seqs:  make(map[string]int64),
	}
	log.Info().Str("dir", opts.Dir).Msg("Session store initialized")
	s.updateActiveSessionsMetric()
	return s, nil
}

// Dir returns the directory holding session files.
func (s *Store) Dir() string { return s.dir }

// ValidateKey rejects keys that are empty or could escape the sessions directory.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidKey)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("%w: contains path separator", ErrInvalidKey)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: contains null byte", ErrInvalidKey)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+fileExt)
}

func (s *Store) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) updateActiveSessionsMetric() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			n++
		}
	}
	observability.SetActiveSessions(n)
}

// Append persists msg at the end of the session log, assigning the next
// sequence number. Appends for the same key are serialized, so sequence
// numbers follow arrival order.
func (s *Store) Append(ctx context.Context, key string, msg Message) (Message, error) {
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append",
		attribute.String("session_key", key),
		attribute.String("role", string(msg.Role)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateKey(key); err != nil {
		return Message{}, tracing.Fail(span, err)
	}
	if msg.Role == "" {
		return Message{}, tracing.Fail(span, fmt.Errorf("%w: role is empty", ErrInvalidMessage))
	}
	if msg.empty() {
		return Message{}, tracing.Fail(span, fmt.Errorf("%w: no content", ErrInvalidMessage))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	last, err := s.lastSeqLocked(key)
	if err != nil {
		return Message{}, tracing.Fail(span, persistErr("append", key, err))
	}
	msg.Seq = last + 1

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, tracing.Fail(span, fmt.Errorf("failed to marshal message: %w", err))
	}
	if err := s.appendLine(key, data); err != nil {
		return Message{}, tracing.Fail(span, persistErr("append", key, err))
	}
	s.mu.Lock()
	s.seqs[key] = msg.Seq
	s.mu.Unlock()

	logger.Debug().Int64("seq", msg.Seq).Str("role", string(msg.Role)).Msg("Message appended")
	return msg, nil
}

// lastSeqLocked returns the last assigned sequence number, reading the file
// the first time a key is seen. Caller holds the key lock.
func (s *Store) lastSeqLocked(key string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.seqs[key]
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	meta, msgs, err := s.read(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq = meta.LastSeq
	for _, m := range msgs {
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq, nil
}

func (s *Store) appendLine(key string, data []byte) error {
	path := s.path(key)
	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		now := s.now()
		channel, chatID := splitKey(key)
		meta := Meta{Type: metaType, Key: key, Channel: channel, ChatID: chatID, CreatedAt: now, UpdatedAt: now}
		if err := s.write(key, meta, nil); err != nil {
			return err
		}
		created = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	if created {
		s.updateActiveSessionsMetric()
	}
	return nil
}

func splitKey(key string) (string, string) {
	channel, id, ok := strings.Cut(key, ":")
	if !ok {
		return "", key
	}
	return channel, id
}

// Load returns the messages of a session in sequence order. Corrupt lines
// are skipped. A missing session yields an empty slice.
func (s *Store) Load(ctx context.Context, key string) ([]Message, error) {
	ctx = tracing.WithSessionKey(ctx, key)
	_, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session_key", key))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := ValidateKey(key); err != nil {
		return nil, tracing.Fail(span, err)
	}
	_, msgs, err := s.read(key)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, tracing.Fail(span, persistErr("load", key, err))
	}
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	return msgs, nil
}

// Meta returns the header record of a session.
func (s *Store) Meta(ctx context.Context, key string) (Meta, error) {
	if err := ValidateKey(key); err != nil {
		return Meta{}, err
	}
	meta, _, err := s.read(key)
	if err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Route returns where replies for the session were last delivered.
func (s *Store) Route(ctx context.Context, key string) (Route, error) {
	meta, err := s.Meta(ctx, key)
	if err != nil {
		return Route{}, err
	}
	if meta.Channel == "" || meta.ChatID == "" {
		return Route{}, ErrNotFound
	}
	return Route{Channel: meta.Channel, ChatID: meta.ChatID}, nil
}

// SetRoute records the adapter address replies for key go to. The session
// is created when missing.
func (s *Store) SetRoute(ctx context.Context, key string, route Route) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	meta, msgs, err := s.read(key)
	if errors.Is(err, ErrNotFound) {
		now := s.now()
		meta = Meta{Type: metaType, Key: key, CreatedAt: now}
		err = nil
	}
	if err != nil {
		return persistErr("route", key, err)
	}
	if meta.Channel == route.Channel && meta.ChatID == route.ChatID && !meta.CreatedAt.IsZero() {
		return nil
	}
	meta.Channel = route.Channel
	meta.ChatID = route.ChatID
	meta.UpdatedAt = s.now()
	if last, ok := s.cachedSeq(key); ok && last > meta.LastSeq {
		meta.LastSeq = last
	}
	if err := s.write(key, meta, msgs); err != nil {
		return persistErr("route", key, err)
	}
	s.updateActiveSessionsMetric()
	return nil
}

func (s *Store) cachedSeq(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[key]
	return seq, ok
}

// TruncateThrough removes every message with a sequence number up to and
// including seq. Sequence numbering continues from the previous maximum.
// It returns the number of removed messages.
func (s *Store) TruncateThrough(ctx context.Context, key string, seq int64) (int, error) {
	ctx = tracing.WithSessionKey(ctx, key)
	_, span := tracing.StartSpan(ctx, tracerName, "session.truncate",
		attribute.String("session_key", key),
		attribute.Int64("through_seq", seq),
	)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return 0, tracing.Fail(span, err)
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	meta, msgs, err := s.read(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, tracing.Fail(span, err)
		}
		return 0, tracing.Fail(span, persistErr("truncate", key, err))
	}

	kept := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Seq > meta.LastSeq {
			meta.LastSeq = m.Seq
		}
		if m.Seq > seq {
			kept = append(kept, m)
		}
	}
	if last, ok := s.cachedSeq(key); ok && last > meta.LastSeq {
		meta.LastSeq = last
	}
	if seq > meta.ConsolidatedSeq {
		meta.ConsolidatedSeq = seq
	}
	meta.UpdatedAt = s.now()

	if err := s.write(key, meta, kept); err != nil {
		return 0, tracing.Fail(span, persistErr("truncate", key, err))
	}
	s.mu.Lock()
	s.seqs[key] = meta.LastSeq
	s.mu.Unlock()

	removed := len(msgs) - len(kept)
	log.Debug().Str("session_key", key).Int("removed", removed).Msg("Session truncated")
	return removed, nil
}

// Delete removes a session and its log.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx = tracing.WithSessionKey(ctx, key)
	_, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session_key", key))
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return tracing.Fail(span, err)
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return tracing.Fail(span, persistErr("delete", key, err))
	}
	s.mu.Lock()
	delete(s.seqs, key)
	s.mu.Unlock()
	s.updateActiveSessionsMetric()

	log.Info().Str("session_key", key).Msg("Session deleted")
	return nil
}

// List summarizes all sessions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		meta, msgs, err := s.read(key)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable session")
			continue
		}
		info := Info{
			Key:             key,
			Channel:         meta.Channel,
			ChatID:          meta.ChatID,
			CreatedAt:       meta.CreatedAt,
			UpdatedAt:       meta.UpdatedAt,
			MessageCount:    len(msgs),
			LastSeq:         meta.LastSeq,
			ConsolidatedSeq: meta.ConsolidatedSeq,
		}
		if fi, err := e.Info(); err == nil {
			info.SizeBytes = fi.Size()
			if fi.ModTime().After(info.UpdatedAt) {
				info.UpdatedAt = fi.ModTime()
			}
		}
		if n := len(msgs); n > 0 && msgs[n-1].Seq > info.LastSeq {
			info.LastSeq = msgs[n-1].Seq
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

// read parses a session file. A file without a header gets a synthesized one.
func (s *Store) read(key string) (Meta, []Message, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil, ErrNotFound
		}
		return Meta{}, nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	meta := Meta{Type: metaType, Key: key}
	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			log.Warn().Str("session_key", key).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if probe.Type == metaType {
			if err := json.Unmarshal(line, &meta); err != nil {
				log.Warn().Str("session_key", key).Err(err).Msg("Failed to parse session header, skipping")
			}
			continue
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil || m.Role == "" || m.Seq <= 0 {
			log.Warn().Str("session_key", key).Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return meta, msgs, nil
}

// write replaces the session file atomically with meta followed by msgs.
func (s *Store) write(key string, meta Meta, msgs []Message) error {
	path := s.path(key)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	meta.Type = metaType
	meta.Key = key
	if err := enc.Encode(meta); err != nil {
		return fail(fmt.Errorf("failed to write header: %w", err))
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fail(fmt.Errorf("failed to write message: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("failed to flush session file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync session file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
