package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const DefaultAuditCapacity = 100

const (
	ContextFrontend = "frontend"
	ContextAdmin    = "admin"
)

// AuditEntry records one denied module access.
type AuditEntry struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Actor   string    `json:"actor"`
	IP      string    `json:"ip"`
	Module  string    `json:"module"`
	Context string    `json:"context"`
	Reason  string    `json:"reason"`
	Path    string    `json:"path,omitempty"`
}

// AuditLog keeps the most recent denials, oldest first.
type AuditLog interface {
	Append(entry AuditEntry) error
	Entries() ([]AuditEntry, error)
}

// RingLog is an in-memory AuditLog.
type RingLog struct {
	mu       sync.Mutex
	capacity int
	entries  []AuditEntry
}

func NewRingLog(capacity int) *RingLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &RingLog{capacity: capacity}
}

func (l *RingLog) Append(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = trim(append(l.entries, entry), l.capacity)
	return nil
}

func (l *RingLog) Entries() ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// FileLog persists the audit trail as a JSON array, rewriting the whole file
// on every append.
type FileLog struct {
	mu       sync.Mutex
	path     string
	capacity int
}

func NewFileLog(path string, capacity int) *FileLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &FileLog{path: path, capacity: capacity}
}

func (l *FileLog) Append(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	return l.write(trim(append(entries, entry), l.capacity))
}

func (l *FileLog) Entries() ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *FileLog) read() ([]AuditEntry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode audit log: %w", err)
	}
	return entries, nil
}

func (l *FileLog) write(entries []AuditEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".audit-*.json")
	if err != nil {
		return fmt.Errorf("create temp audit file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return os.Rename(tmp.Name(), l.path)
}

func trim(entries []AuditEntry, capacity int) []AuditEntry {
	if len(entries) <= capacity {
		return entries
	}
	return append([]AuditEntry(nil), entries[len(entries)-capacity:]...)
}
