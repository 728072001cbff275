package licensestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StatusInactive is the status of a site without a license key.
const StatusInactive = "inactive"

// State is the cached license record. It is replaced as a whole on every
// update.
type State struct {
	LicenseKey       string    `json:"license_key"`
	Status           string    `json:"license_status"`
	LicenseType      string    `json:"license_type"`
	LicensePackage   string    `json:"license_package"`
	Description      string    `json:"license_type_description"`
	ExpiresOn        string    `json:"license_expiry"`
	UserLimit        int       `json:"license_user_limit"`
	Modules          []string  `json:"license_modules"`
	AccessRestricted bool      `json:"license_access_restricted"`
	LastCheck        time.Time `json:"license_last_check"`
	Message          string    `json:"license_message,omitempty"`
}

func (s State) clone() State {
	if s.Modules != nil {
		s.Modules = append([]string{}, s.Modules...)
	}
	return s
}

type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// FileStore keeps the state as a JSON file readable only by its owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string {
	return f.path
}

// Load returns the zero State when the file does not exist yet.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var state State
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read license state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode license state %s: %w", f.path, err)
	}
	return state, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the old state, so readers never see a partial record.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode license state: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
	// Err, when set, fails every Save.
	Err error
}

func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial.clone()}
}

func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.state = state.clone()
	m.saves++
	return nil
}

// Saves reports how many times the state was persisted.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
