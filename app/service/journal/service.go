// Package journal appends one JSON line per turn to an audit file. It is
// write-only observability; nothing reads it back at runtime.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/do"
)

var defaultPath = filepath.Join("data", "journal.jsonl")

type Entry struct {
	Time   time.Time `json:"time"`
	Turn   int       `json:"turn"`
	NodeID string    `json:"node_id"`
	Input  string    `json:"input,omitempty"`
	Output string    `json:"output"`
	Notice string    `json:"notice,omitempty"`
	Done   bool      `json:"done,omitempty"`
}

type Service struct {
	mu   sync.Mutex
	path string
}

func New(_ *do.Injector) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(defaultPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	return NewService(defaultPath), nil
}

func NewService(path string) *Service {
	return &Service{path: path}
}

func (s *Service) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err = file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	return nil
}
