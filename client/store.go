package client

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Store remembers which player id this device selected, so the association
// survives restarts. Implementations are best-effort: failures are swallowed
// and simply leave no selection behind.
type Store interface {
	Load() (int, bool)
	Save(id int)
	Clear()
}

// MemoryStore keeps the selection in memory only.
type MemoryStore struct {
	mu  sync.Mutex
	id  int
	set bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id, s.set
}

func (s *MemoryStore) Save(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = id
	s.set = true
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = 0
	s.set = false
}

// FileStore keeps the selection in a small text file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (int, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, false
	}

	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}

	return id, true
}

func (s *FileStore) Save(id int) {
	_ = os.WriteFile(s.path, []byte(strconv.Itoa(id)+"\n"), 0o644)
}

func (s *FileStore) Clear() {
	_ = os.Remove(s.path)
}
