package campaign

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend persists and retrieves the campaign document. Load returns
// (nil, nil) when no document has been stored yet.
type StateBackend interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*Document, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *JSONFileBackend) Save(doc *Document) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || doc == nil {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot *Document
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*Document, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot.Clone(), nil
}

func (b *InMemoryBackend) Save(doc *Document) error {
	if b == nil || doc == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = doc.Clone()
	return nil
}
