package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/rs/zerolog/log"
)

// Store reads and writes the memory files of one workspace.
type Store struct {
	dir string

	mu     sync.RWMutex
	facts  string
	loaded bool

	writeMu sync.Mutex
}

// NewStore opens (and creates if needed) <workspace>/memory.
func NewStore(workspace string) (*Store, error) {
	observability.EnsureRegistered()
	dir, err := EnsureMemoryDirectory(workspace)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the memory directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) factsPath() string   { return filepath.Join(s.dir, MemoryFile) }
func (s *Store) historyPath() string { return filepath.Join(s.dir, HistoryFile) }

// ReadFacts returns the durable facts document. The content is cached until
// Invalidate or a write through the Store.
func (s *Store) ReadFacts() (string, error) {
	s.mu.RLock()
	if s.loaded {
		facts := s.facts
		s.mu.RUnlock()
		return facts, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.factsPath())
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", MemoryFile, err)
	}

	s.mu.Lock()
	s.facts = string(data)
	s.loaded = true
	s.mu.Unlock()
	return string(data), nil
}

// Invalidate drops the cached facts; the next read goes to disk.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.facts = ""
	s.mu.Unlock()
	log.Debug().Str("dir", s.dir).Msg("Memory cache invalidated")
}

// WriteFacts replaces the facts document.
func (s *Store) WriteFacts(content string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeFactsLocked(content)
}

func (s *Store) writeFactsLocked(content string) error {
	if err := writeFileAtomic(s.factsPath(), []byte(content)); err != nil {
		return err
	}
	s.mu.Lock()
	s.facts = content
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// MergeFacts merges update into the facts document (see MergeFacts) and
// reports whether anything was added.
func (s *Store) MergeFacts(update string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.Invalidate()
	current, err := s.ReadFacts()
	if err != nil {
		return false, err
	}
	merged := MergeFacts(current, update)
	if strings.TrimRight(merged, "\n") == strings.TrimRight(current, "\n") {
		return false, nil
	}
	if err := s.writeFactsLocked(merged); err != nil {
		return false, err
	}
	return true, nil
}

// Remember records a single fact as a bullet line.
func (s *Store) Remember(fact string) (bool, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return false, fmt.Errorf("fact cannot be empty")
	}
	if !strings.HasPrefix(fact, "- ") {
		fact = "- " + fact
	}
	return s.MergeFacts(fact)
}

// AppendHistory appends an entry to HISTORY.md.
func (s *Store) AppendHistory(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return appendFileSynced(s.historyPath(), []byte(entry+"\n\n"))
}

// ReadHistory returns the whole history log.
func (s *Store) ReadHistory() (string, error) {
	data, err := os.ReadFile(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SearchHistory returns history entries containing query (case-insensitive),
// newest first, at most limit entries.
func (s *Store) SearchHistory(query string, limit int) ([]string, error) {
	history, err := s.ReadHistory()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))

	entries := strings.Split(history, "\n\n")
	var matches []string
	for i := len(entries) - 1; i >= 0 && len(matches) < limit; i-- {
		e := strings.TrimSpace(entries[i])
		if e == "" {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(e), q) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

// Context renders the durable tier for inclusion in a system prompt.
func (s *Store) Context() string {
	facts, err := s.ReadFacts()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read long-term memory")
		return ""
	}
	facts = strings.TrimSpace(facts)
	if facts == "" {
		return ""
	}
	return "## Long-term Memory\n" + facts
}

func timestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}
