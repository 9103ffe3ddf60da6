package pairing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ManagerOptions configures a per-channel pairing manager.
type ManagerOptions struct {
	Channel       string
	RequestsPath  string
	AllowlistPath string
	MaxPending    int
	PendingTTL    time.Duration
	Now           func() time.Time
}

// Manager owns the pairing requests and allowlist of one channel.
type Manager struct {
	mu sync.Mutex

	channel       string
	requestsPath  string
	allowlistPath string
	maxPending    int
	pendingTTL    time.Duration
	now           func() time.Time

	requests  []Request
	allowlist map[string]AllowlistEntry

	requestsModTime  time.Time
	allowlistModTime time.Time
}

// NewManager creates a manager and loads its files.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(opts.Channel) == "" {
		return nil, fmt.Errorf("pairing channel is required")
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultPendingLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		channel:       opts.Channel,
		requestsPath:  strings.TrimSpace(opts.RequestsPath),
		allowlistPath: strings.TrimSpace(opts.AllowlistPath),
		maxPending:    opts.MaxPending,
		pendingTTL:    opts.PendingTTL,
		now:           opts.Now,
		allowlist:     make(map[string]AllowlistEntry),
	}
	if err := m.loadAllowlist(); err != nil {
		return nil, err
	}
	if err := m.loadRequests(); err != nil {
		return nil, err
	}
	return m, nil
}

// Channel returns the channel associated with the manager.
func (m *Manager) Channel() string {
	return m.channel
}

// IsApproved reports whether any identity of senderID is allowlisted.
func (m *Manager) IsApproved(senderID string) bool {
	if strings.TrimSpace(senderID) == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFromDiskLocked()
	for entry := range m.allowlist {
		if MatchesAllowEntry(entry, senderID) {
			return true
		}
	}
	return false
}

// Allowlist returns approved senders ordered by approval time.
func (m *Manager) Allowlist() []AllowlistEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFromDiskLocked()
	entries := make([]AllowlistEntry, 0, len(m.allowlist))
	for _, entry := range m.allowlist {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AddedAt.Before(entries[j].AddedAt)
	})
	return entries
}

// List returns requests in creation order. An empty state returns all.
func (m *Manager) List(state State) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFromDiskLocked()
	m.expireLocked()
	out := make([]Request, 0, len(m.requests))
	for _, req := range m.requests {
		if state == "" || req.State == state {
			out = append(out, req)
		}
	}
	return out
}

// Touch records a message from an unapproved sender. It returns the pending
// request for the sender and whether it was newly created. Repeat calls reuse
// the code and increment RequestCount.
func (m *Manager) Touch(senderID, chatID string) (Request, bool, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return Request{}, false, fmt.Errorf("sender id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFromDiskLocked()
	m.expireLocked()

	for entry := range m.allowlist {
		if MatchesAllowEntry(entry, senderID) {
			return Request{}, false, ErrAlreadyApproved
		}
	}

	now := m.now()
	if idx := m.pendingIndexLocked(senderID); idx >= 0 {
		req := &m.requests[idx]
		req.RequestCount++
		req.LastSeenAt = now
		if chatID != "" {
			req.ChatID = chatID
		}
		if err := m.saveRequestsLocked(); err != nil {
			return Request{}, false, err
		}
		return *req, false, nil
	}

	if m.pendingCountLocked() >= m.maxPending {
		return Request{}, false, ErrPendingLimitReached
	}

	code, err := m.generateUniqueCodeLocked()
	if err != nil {
		return Request{}, false, err
	}
	req := Request{
		Channel:      m.channel,
		SenderID:     senderID,
		ChatID:       chatID,
		Code:         code,
		RequestCount: 1,
		State:        StatePending,
		CreatedAt:    now,
		LastSeenAt:   now,
		ExpiresAt:    now.Add(m.pendingTTL),
	}
	m.requests = append(m.requests, req)
	if err := m.saveRequestsLocked(); err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}

// Approve resolves the pending request with code and allowlists its sender.
func (m *Manager) Approve(code string) (Request, error) {
	return m.resolve(code, StateApproved)
}

// Reject resolves the pending request with code without granting access.
func (m *Manager) Reject(code string) (Request, error) {
	return m.resolve(code, StateRejected)
}

// Revoke removes a sender from the allowlist.
func (m *Manager) Revoke(senderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFromDiskLocked()
	if _, ok := m.allowlist[senderID]; !ok {
		return false, nil
	}
	delete(m.allowlist, senderID)
	return true, m.saveAllowlistLocked()
}

func (m *Manager) resolve(code string, state State) (Request, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Request{}, fmt.Errorf("code is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFromDiskLocked()
	m.expireLocked()

	idx := -1
	for i, req := range m.requests {
		if req.State == StatePending && strings.EqualFold(req.Code, code) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Request{}, ErrRequestNotFound
	}

	now := m.now()
	req := &m.requests[idx]
	req.State = state
	req.ResolvedAt = &now

	if state == StateApproved {
		m.allowlist[req.SenderID] = AllowlistEntry{
			SenderID: req.SenderID,
			AddedAt:  now,
			Reason:   fmt.Sprintf("approved via code %s", req.Code),
		}
		if err := m.saveAllowlistLocked(); err != nil {
			return Request{}, err
		}
	}
	if err := m.saveRequestsLocked(); err != nil {
		return Request{}, err
	}
	return *req, nil
}

func (m *Manager) pendingIndexLocked(senderID string) int {
	for i, req := range m.requests {
		if req.State == StatePending && req.SenderID == senderID {
			return i
		}
	}
	return -1
}

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, req := range m.requests {
		if req.State == StatePending {
			n++
		}
	}
	return n
}

// expireLocked drops pending requests past their TTL. Resolved history stays.
func (m *Manager) expireLocked() {
	now := m.now()
	kept := m.requests[:0]
	changed := false
	for _, req := range m.requests {
		if req.State == StatePending && now.After(req.ExpiresAt) {
			changed = true
			continue
		}
		kept = append(kept, req)
	}
	m.requests = kept
	if changed {
		_ = m.saveRequestsLocked()
	}
}

func (m *Manager) refreshFromDiskLocked() {
	if m.requestsPath != "" {
		if info, err := os.Stat(m.requestsPath); err == nil && info.ModTime().After(m.requestsModTime) {
			_ = m.loadRequests()
		}
	}
	if m.allowlistPath != "" {
		if info, err := os.Stat(m.allowlistPath); err == nil && info.ModTime().After(m.allowlistModTime) {
			_ = m.loadAllowlist()
		}
	}
}

func (m *Manager) generateUniqueCodeLocked() (string, error) {
	for i := 0; i < 5; i++ {
		code, err := gonanoid.Generate(codeAlphabet, CodeLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		taken := false
		for _, req := range m.requests {
			if req.State == StatePending && strings.EqualFold(req.Code, code) {
				taken = true
				break
			}
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique pairing code")
}

func (m *Manager) loadRequests() error {
	m.requests = nil
	if m.requestsPath == "" {
		return nil
	}
	info, err := os.Stat(m.requestsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat pairing requests file: %w", err)
	}
	data, err := os.ReadFile(m.requestsPath)
	if err != nil {
		return fmt.Errorf("failed to read pairing requests file: %w", err)
	}
	var file requestsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pairing requests file: %w", err)
	}
	for _, req := range file.Requests {
		if strings.TrimSpace(req.SenderID) == "" || strings.TrimSpace(req.Code) == "" {
			continue
		}
		m.requests = append(m.requests, req)
	}
	sort.SliceStable(m.requests, func(i, j int) bool {
		return m.requests[i].CreatedAt.Before(m.requests[j].CreatedAt)
	})
	m.requestsModTime = info.ModTime()
	return nil
}

func (m *Manager) loadAllowlist() error {
	m.allowlist = make(map[string]AllowlistEntry)
	if m.allowlistPath == "" {
		return nil
	}
	info, err := os.Stat(m.allowlistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat allowlist file: %w", err)
	}
	data, err := os.ReadFile(m.allowlistPath)
	if err != nil {
		return fmt.Errorf("failed to read allowlist file: %w", err)
	}
	var file allowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse allowlist file: %w", err)
	}
	for _, entry := range file.Entries {
		id := strings.TrimSpace(entry.SenderID)
		if id == "" {
			continue
		}
		m.allowlist[id] = entry
	}
	m.allowlistModTime = info.ModTime()
	return nil
}

func (m *Manager) saveRequestsLocked() error {
	if m.requestsPath == "" {
		return nil
	}
	file := requestsFile{Requests: append([]Request(nil), m.requests...)}
	if err := writeJSONFile(m.requestsPath, file); err != nil {
		return err
	}
	m.requestsModTime = modTime(m.requestsPath, m.now())
	return nil
}

func (m *Manager) saveAllowlistLocked() error {
	if m.allowlistPath == "" {
		return nil
	}
	file := allowlistFile{Entries: make([]AllowlistEntry, 0, len(m.allowlist))}
	for _, entry := range m.allowlist {
		file.Entries = append(file.Entries, entry)
	}
	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].AddedAt.Before(file.Entries[j].AddedAt)
	})
	if err := writeJSONFile(m.allowlistPath, file); err != nil {
		return err
	}
	m.allowlistModTime = modTime(m.allowlistPath, m.now())
	return nil
}

func modTime(path string, fallback time.Time) time.Time {
	if info, err := os.Stat(path); err == nil {
		return info.ModTime()
	}
	return fallback
}

func writeJSONFile(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DefaultPaths returns the requests and allowlist file paths for a channel.
func DefaultPaths(dataDir, channel string) (string, string) {
	base := filepath.Join(strings.TrimSpace(dataDir), "pairing")
	return filepath.Join(base, fmt.Sprintf("%s-requests.json", channel)),
		filepath.Join(base, fmt.Sprintf("%s-allowlist.json", channel))
}
