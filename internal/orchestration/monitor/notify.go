package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zjrosen/quill/internal/log"
)

// Notifier delivers alerts to an external channel. Notify is called from the
// monitor goroutine, never from a worker.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, a Alert) error {
	log.Warn(log.CatMonitor, "Alert raised",
		"type", a.Type,
		"run", a.RunID,
		"stage", a.Stage,
		"message", a.Message)
	return nil
}

// FileNotifier appends alerts as JSON lines to a file.
type FileNotifier struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileNotifier opens (or creates) path for appending.
func NewFileNotifier(path string) (*FileNotifier, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating alert log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("opening alert log: %w", err)
	}
	return &FileNotifier{file: f, enc: json.NewEncoder(f)}, nil
}

// Notify implements Notifier.
func (n *FileNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.file == nil {
		return os.ErrClosed
	}
	return n.enc.Encode(a)
}

// Close closes the file. Safe to call more than once.
func (n *FileNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.file == nil {
		return nil
	}
	err := n.file.Close()
	n.file = nil
	return err
}
