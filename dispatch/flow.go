package dispatch

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FlowState is the lifecycle of a flow run.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowRunning
	FlowCompleted
)

func (s FlowState) String() string {
	switch s {
	case FlowRunning:
		return "running"
	case FlowCompleted:
		return "completed"
	}
	return "idle"
}

// Step is a flow command handed out for dispatch. Index is zero-based.
type Step struct {
	Index   int
	Total   int
	Payload string
}

// FlowStatus is a point-in-time view of the flow.
type FlowStatus struct {
	RunID string
	Name  string
	State FlowState

	// Sent is how many commands have been handed out so far.
	Sent  int
	Total int
}

// Flow steps through one command sequence, releasing the next command each
// time the device reports FlowDone. Only one sequence runs at a time.
type Flow struct {
	mx     sync.Mutex
	runID  string
	name   string
	seq    []string
	cursor int
	state  FlowState
}

// Start begins a new run and returns its first command, if any. An empty
// sequence completes immediately.
func (f *Flow) Start(name string, seq []string) (Step, bool, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	if f.state == FlowRunning {
		return Step{}, false, ErrFlowRunning
	}

	f.runID = uuid.NewString()
	f.name = name
	f.seq = append([]string(nil), seq...)
	f.cursor = 0
	if len(f.seq) == 0 {
		f.state = FlowCompleted
		return Step{}, false, nil
	}
	f.state = FlowRunning
	return f.nextLocked(), true, nil
}

func (f *Flow) nextLocked() Step {
	s := Step{Index: f.cursor, Total: len(f.seq), Payload: f.seq[f.cursor]}
	f.cursor++
	return s
}

// Advance is called on every FlowDone. It returns the next command to send,
// or reports completed=true exactly once when the sequence is exhausted.
func (f *Flow) Advance() (next Step, ok bool, completed bool) {
	f.mx.Lock()
	defer f.mx.Unlock()

	if f.state != FlowRunning {
		return Step{}, false, false
	}
	if f.cursor < len(f.seq) {
		return f.nextLocked(), true, false
	}
	f.state = FlowCompleted
	return Step{}, false, true
}

// Terminate drops the current run regardless of state.
func (f *Flow) Terminate() {
	f.mx.Lock()
	f.seq = nil
	f.cursor = 0
	f.name = ""
	f.runID = ""
	f.state = FlowIdle
	f.mx.Unlock()
}

func (f *Flow) State() FlowState {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.state
}

func (f *Flow) Status() FlowStatus {
	f.mx.Lock()
	defer f.mx.Unlock()
	return FlowStatus{
		RunID: f.runID,
		Name:  f.name,
		State: f.state,
		Sent:  f.cursor,
		Total: len(f.seq),
	}
}

// LoadFlow reads one command per line. Blank lines and lines starting with
// ';' or '#' are skipped. Leading/trailing spaces are trimmed but tabs
// inside a command are kept.
func LoadFlow(r io.Reader) ([]string, error) {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, MaxLineLength), MaxLineLength)
	scan.Split(ScanLines)

	var seq []string
	for scan.Scan() {
		text := strings.Trim(scan.Text(), " ")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		seq = append(seq, text)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read flow: %w", err)
	}
	return seq, nil
}
