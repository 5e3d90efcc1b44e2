package environment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("environment not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Store persists whole environment records. Load distinguishes a missing
// environment (ErrNotFound) from one with no containers. Save replaces the
// full record.
type Store interface {
	Load(id string) (*Environment, error)
	Save(env *Environment) error
	Delete(id string) error
	List() ([]*Environment, error)
}

// MemoryStore keeps records in memory. Callers always get copies.
type MemoryStore struct {
	mu   sync.RWMutex
	envs map[string]*Environment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{envs: make(map[string]*Environment)}
}

func (s *MemoryStore) Load(id string) (*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return env.Clone(), nil
}

func (s *MemoryStore) Save(env *Environment) error {
	if env.ID == "" {
		return fmt.Errorf("environment id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[env.ID] = env.Clone()
	return nil
}

// Delete removes the record; deleting a missing id reports ErrNotFound.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envs[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(s.envs, id)
	return nil
}

// List returns every record ordered by creation time.
func (s *MemoryStore) List() ([]*Environment, error) {
	s.mu.RLock()
	result := make([]*Environment, 0, len(s.envs))
	for _, env := range s.envs {
		result = append(result, env.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// FileStore is a MemoryStore mirrored to a JSON file after every change.
type FileStore struct {
	mem  *MemoryStore
	mu   sync.Mutex
	path string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	s := &FileStore{
		mem:  NewMemoryStore(),
		path: filepath.Join(baseDir, "environments.json"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Load(id string) (*Environment, error) { return s.mem.Load(id) }

func (s *FileStore) List() ([]*Environment, error) { return s.mem.List() }

func (s *FileStore) Save(env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Save(env); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Delete(id); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading environments: %w", err)
	}

	var envs map[string]*Environment
	if err := json.Unmarshal(data, &envs); err != nil {
		return fmt.Errorf("parsing environments: %w", err)
	}
	for id, env := range envs {
		if env == nil {
			continue
		}
		env.ID = id
		s.mem.envs[id] = env
	}
	return nil
}

func (s *FileStore) persist() error {
	s.mem.mu.RLock()
	data, err := json.MarshalIndent(s.mem.envs, "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling environments: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing environments: %w", err)
	}
	return os.Rename(tmp, s.path)
}
