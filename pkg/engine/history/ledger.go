// Package history keeps an append-only ledger of health snapshots and
// derives score trends from it.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Snapshot is one health run.
type Snapshot struct {
	Timestamp    int64   `json:"timestamp"`
	Overall      float64 `json:"overall"`
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Timeliness   float64 `json:"timeliness"`
	Compliance   float64 `json:"compliance"`
	Population   int     `json:"population"`
	Orphans      int     `json:"orphans"`
}

// Backend defines the storage interface for snapshots.
type Backend interface {
	Append(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, n int) ([]Snapshot, error)
}

// Client manages historical state.
type Client struct {
	backend Backend
}

// NewClient initializes a history client. Defaults to an in-memory backend.
func NewClient(backend Backend) *Client {
	if backend == nil {
		backend = &MemoryBackend{}
	}
	return &Client{backend: backend}
}

// Append records a new snapshot.
func (c *Client) Append(ctx context.Context, s Snapshot) error {
	return c.backend.Append(ctx, s)
}

// LoadWindow retrieves the last n snapshots, oldest first.
func (c *Client) LoadWindow(ctx context.Context, n int) ([]Snapshot, error) {
	return c.backend.Load(ctx, n)
}

// MemoryBackend keeps snapshots in process.
type MemoryBackend struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (b *MemoryBackend) Append(_ context.Context, s Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, s)
	return nil
}

func (b *MemoryBackend) Load(_ context.Context, n int) ([]Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tail(append([]Snapshot(nil), b.snapshots...), n), nil
}

// NewLocalBackend creates a file-based backend at the specified path.
func NewLocalBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

// FileBackend stores snapshots as JSON lines.
type FileBackend struct {
	Path string
	mu   sync.Mutex
}

func (b *FileBackend) Append(_ context.Context, s Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (b *FileBackend) Load(_ context.Context, n int) ([]Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.path()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	history, err := decode(bufio.NewScanner(f))
	if err != nil {
		return nil, err
	}
	return tail(history, n), nil
}

func (b *FileBackend) path() (string, error) {
	if b.Path != "" {
		return b.Path, nil
	}
	return GetLedgerPath()
}

// GetLedgerPath provides the default local storage path.
func GetLedgerPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cigraph", "health.jsonl"), nil
}

// decode skips malformed lines.
func decode(scanner *bufio.Scanner) ([]Snapshot, error) {
	var history []Snapshot
	for scanner.Scan() {
		var s Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue
		}
		history = append(history, s)
	}
	return history, scanner.Err()
}

func tail(history []Snapshot, n int) []Snapshot {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
