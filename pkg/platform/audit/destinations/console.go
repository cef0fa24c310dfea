// Package destinations provides the built-in audit destinations: console,
// file, postgres, and SIEM (Kafka).
package destinations

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	audit "medgate/pkg/platform/audit"
)

// Console writes events as JSON lines to a writer, one event per line.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a console destination writing to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter returns a console destination writing to w.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Write(_ context.Context, event audit.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.out.Write(append(line, '\n'))
	return err
}
