package posts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// Mine is the set of post ids authored by this client. When a path is set the
// set is persisted as a JSON array after every addition.
type Mine struct {
	mu   sync.RWMutex
	ids  map[uint64]struct{}
	path string
}

// NewMine loads the set from path. An empty path keeps the set in memory only.
func NewMine(path string) (*Mine, error) {
	m := &Mine{ids: make(map[uint64]struct{}), path: strings.TrimSpace(path)}
	if m.path == "" {
		return m, nil
	}
	data, err := os.ReadFile(filepath.Clean(m.path)) // #nosec G304 -- path is operator controlled.
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mine set: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode mine set: %w", err)
	}
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
	return m, nil
}

// Has reports whether id was authored by this client.
func (m *Mine) Has(id uint64) bool {
	m.mu.RLock()
	_, ok := m.ids[id]
	m.mu.RUnlock()
	return ok
}

// Add records id and persists the set.
func (m *Mine) Add(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return nil
	}
	m.ids[id] = struct{}{}
	return m.persistLocked()
}

// IDs returns the recorded ids in ascending order.
func (m *Mine) IDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Mine) sortedLocked() []uint64 {
	ids := make([]uint64, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Mine) persistLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(m.sortedLocked())
	if err != nil {
		return fmt.Errorf("encode mine set: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create mine set directory: %w", err)
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write mine set: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace mine set: %w", err)
	}
	return nil
}
