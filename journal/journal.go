// Package journal keeps an append-only JSONL record of the conversation with
// the device: every frame sent, every line received, queue resets and flow
// start/complete, each tagged with the flow run that produced it.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mastercactapus/stnctl/config"
	"github.com/mastercactapus/stnctl/dispatch"
	"github.com/mastercactapus/stnctl/logging"
)

// Entry is one JSONL line.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"runId,omitempty"`
	Kind      string    `json:"kind"`
	Priority  string    `json:"priority,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Journal struct {
	mu sync.Mutex
	w  io.WriteCloser
}

var _ dispatch.Recorder = &Journal{}

// Open appends to a size-rotated file at path.
func Open(path string, cfg config.LogConfig) *Journal {
	return New(logging.Rotating(path, cfg))
}

// New writes to w.
func New(w io.WriteCloser) *Journal {
	return &Journal{w: w}
}

func newEntry(e dispatch.JournalEntry) Entry {
	ent := Entry{
		Timestamp: e.Time.UTC(),
		RunID:     e.RunID,
		Kind:      e.Kind,
		Payload:   e.Payload,
		Error:     e.Err,
	}
	if e.Priority != 0 {
		ent.Priority = e.Priority.String()
	}
	if e.Kind == "recv" {
		ent.Response = e.Response.String()
	}
	return ent
}

// Record writes one entry. Failures go to stderr; the journal never stalls
// dispatch.
func (j *Journal) Record(e dispatch.JournalEntry) {
	data, err := json.Marshal(newEntry(e))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: marshal journal entry: %v\n", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return
	}
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: write journal entry: %v\n", err)
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	err := j.w.Close()
	j.w = nil
	return err
}
