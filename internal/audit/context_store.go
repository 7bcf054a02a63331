package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ContextRecord is one persisted edit context.
type ContextRecord struct {
	MessageID  string `json:"messageId" bson:"messageId"`
	Room       string `json:"room" bson:"room"`
	Author     string `json:"author,omitempty" bson:"author,omitempty"`
	LastEditor string `json:"lastEditor,omitempty" bson:"lastEditor,omitempty"`
}

// ContextSnapshot lists records from most to least recently used.
type ContextSnapshot struct {
	Records []ContextRecord `json:"records" bson:"records"`
}

// ContextStore persists edit-context snapshots between process runs.
// Load returns a nil snapshot when nothing was saved yet.
type ContextStore interface {
	Load() (*ContextSnapshot, error)
	Save(snapshot *ContextSnapshot) error
}

type contextStoreCloser interface {
	Close() error
}

type InMemoryContextStore struct {
	mu       sync.Mutex
	snapshot *ContextSnapshot
}

func NewInMemoryContextStore() *InMemoryContextStore {
	return &InMemoryContextStore{}
}

func (s *InMemoryContextStore) Load() (*ContextSnapshot, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(s.snapshot), nil
}

func (s *InMemoryContextStore) Save(snapshot *ContextSnapshot) error {
	if s == nil || snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = cloneSnapshot(snapshot)
	return nil
}

type JSONFileContextStore struct {
	Path string
}

func NewJSONFileContextStore(path string) *JSONFileContextStore {
	return &JSONFileContextStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileContextStore) Load() (*ContextSnapshot, error) {
	if s == nil || strings.TrimSpace(s.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot ContextSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *JSONFileContextStore) Save(snapshot *ContextSnapshot) error {
	if s == nil || strings.TrimSpace(s.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func cloneSnapshot(snapshot *ContextSnapshot) *ContextSnapshot {
	if snapshot == nil {
		return nil
	}
	return &ContextSnapshot{Records: append([]ContextRecord(nil), snapshot.Records...)}
}
