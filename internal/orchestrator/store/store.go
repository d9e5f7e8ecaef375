// Package store persists engine state: the agent roster as a JSON file and
// the per-agent activity log in SQL.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// FileStore persists the agent roster as a single JSON array on disk.
// Writes go through a temp file and rename so a crash mid-write never leaves
// a torn file. Records are validated one by one on load; a bad record is
// skipped with a warning, never fatal.
type FileStore struct {
	mu     sync.Mutex
	path   string
	agents map[string]*v1.PersistedAgent
	logger *logger.Logger
}

// NewFileStore loads (or initializes) the roster file at path.
func NewFileStore(path string, log *logger.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		agents: make(map[string]*v1.PersistedAgent),
		logger: log.WithComponent("store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read agent store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("agent store is corrupt: %w", err)
	}

	for i, raw := range records {
		var rec v1.PersistedAgent
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping malformed agent record",
				zap.Int("index", i), zap.Error(err))
			continue
		}
		if err := validateRecord(&rec); err != nil {
			s.logger.Warn("skipping invalid agent record",
				zap.Int("index", i),
				zap.String("agent_id", rec.ID),
				zap.Error(err))
			continue
		}
		// Older roster files predate lastActivityAt.
		if rec.LastActivityAt.IsZero() {
			rec.LastActivityAt = rec.CreatedAt
		}
		s.agents[rec.ID] = &rec
	}
	return nil
}

func validateRecord(rec *v1.PersistedAgent) error {
	if rec.ID == "" {
		return fmt.Errorf("missing id")
	}
	if rec.Handle == nil {
		return fmt.Errorf("missing resume handle")
	}
	if !rec.Handle.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", rec.Handle.Provider)
	}
	if rec.Workdir == "" {
		return fmt.Errorf("missing workdir")
	}
	if rec.CreatedAt.IsZero() {
		return fmt.Errorf("missing createdAt")
	}
	return nil
}

// persist writes the full roster atomically. Caller holds s.mu.
func (s *FileStore) persist() error {
	records := make([]*v1.PersistedAgent, 0, len(s.agents))
	for _, rec := range s.agents {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".agents-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write agent store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync agent store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close agent store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace agent store: %w", err)
	}
	return nil
}

// Put inserts or replaces a record and persists the roster.
func (s *FileStore) Put(rec *v1.PersistedAgent) error {
	if err := validateRecord(rec); err != nil {
		return fmt.Errorf("refusing to persist invalid record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	clone.Handle = rec.Handle.Clone()
	s.agents[rec.ID] = &clone
	return s.persist()
}

// Get returns a copy of one record, or false when absent.
func (s *FileStore) Get(id string) (*v1.PersistedAgent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	clone := *rec
	clone.Handle = rec.Handle.Clone()
	return &clone, true
}

// List returns copies of all records ordered by creation time.
func (s *FileStore) List() []*v1.PersistedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*v1.PersistedAgent, 0, len(s.agents))
	for _, rec := range s.agents {
		clone := *rec
		clone.Handle = rec.Handle.Clone()
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a record and persists the roster. Deleting an absent id
// is a no-op.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return nil
	}
	delete(s.agents, id)
	return s.persist()
}
