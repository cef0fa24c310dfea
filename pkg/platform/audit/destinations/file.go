package destinations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	audit "medgate/pkg/platform/audit"
)

// File appends events as JSON lines to a log file.
type File struct {
	mu sync.Mutex
	f  *os.File
}

// NewFile opens (or creates) the file at path in append mode.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}
	return &File{f: f}, nil
}

func (d *File) Name() string { return "file" }

func (d *File) Write(_ context.Context, event audit.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.f.Write(append(line, '\n'))
	return err
}

// Close closes the underlying file. Writes after Close fail.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
