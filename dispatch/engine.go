package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Control payloads understood by the station firmware.
const (
	CmdHome      = "home"
	CmdResume    = "suspend[0]"
	CmdPause     = "suspend[1]"
	CmdTerminate = "suspend[2]"

	// DefaultMovePayload is the station X move with its placeholder fields.
	DefaultMovePayload = "MoveStnX\t20\tx\tx\tx\tx\tx\tx\tx\tx\tx\tx\tx\tx\tx\tx\tx"
)

const (
	readBufferSize = 512

	// minReadPoll keeps a transport that returns immediately with no data
	// from turning the response wait into a spin.
	minReadPoll = 10 * time.Millisecond
)

// Recorder receives a durable record of the conversation with the device.
type Recorder interface {
	Record(JournalEntry)
}

// JournalEntry is one line of the device conversation.
type JournalEntry struct {
	Time     time.Time
	RunID    string
	Kind     string // "send", "recv", "reset", "flow-start", "flow-complete", "error"
	Priority Priority
	Payload  string
	Response Response
	Err      string
}

// Options tune an Engine. The zero value is usable.
type Options struct {
	Logger  *log.Logger
	Journal Recorder

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// EmergencyTimeout bounds the wait for a reply to suspend[n]; zero waits
	// forever.
	EmergencyTimeout time.Duration

	MovePayload string
}

// Status is a snapshot of the engine for display.
type Status struct {
	Connected bool
	Wait      WaitState
	Emergency bool
	Queued    int
	Flow      FlowStatus
}

// Engine owns the device link and decides when the next command may be
// written. Run must be called from exactly one goroutine; every other method
// is safe to call from anywhere.
type Engine struct {
	transport Transport
	queue     *Queue
	flow      Flow
	log       *log.Logger
	journal   Recorder
	opts      Options

	events chan Event

	// ctl serializes flow steps with queue resets so a FlowDone racing a
	// terminate cannot put a flow command back behind suspend[2].
	ctl sync.Mutex

	mx     sync.Mutex
	open   bool
	link   context.Context
	unlink context.CancelFunc
	opened chan struct{}

	wait      atomic.Int32
	emergency atomic.Bool

	// owned by the Run goroutine, reset for every new link
	dec           LineDecoder
	sentAt        time.Time
	inEmergency   bool
	emergencyAt   time.Time
	lastEmergency string
	resumeWait    WaitState

	// a normal command went out after the outstanding emergency command
	sentSinceEmergency bool
}

func NewEngine(t Transport, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.MovePayload == "" {
		opts.MovePayload = DefaultMovePayload
	}
	return &Engine{
		transport: t,
		queue:     NewQueue(),
		log:       opts.Logger,
		journal:   opts.Journal,
		opts:      opts,
		events:    make(chan Event, opts.EventBuffer),
		opened:    make(chan struct{}),
	}
}

// Events returns the channel events are published on. It is never closed.
func (e *Engine) Events() <-chan Event { return e.events }

// Queue exposes the pending commands for inspection.
func (e *Engine) Queue() *Queue { return e.queue }

func (e *Engine) Wait() WaitState { return WaitState(e.wait.Load()) }

// Emergency reports whether a control command is outstanding.
func (e *Engine) Emergency() bool { return e.emergency.Load() }

func (e *Engine) Connected() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.open
}

func (e *Engine) Status() Status {
	connected := e.Connected()
	wait := e.Wait()
	if !connected {
		wait = WaitIdle
	}
	return Status{
		Connected: connected,
		Wait:      wait,
		Emergency: e.Emergency(),
		Queued:    e.queue.Len(),
		Flow:      e.flow.Status(),
	}
}

// Open opens the transport. A failure is returned to the caller and not
// retried.
func (e *Engine) Open(ctx context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.open {
		return nil
	}
	if err := e.transport.Open(ctx); err != nil {
		err = &TransportError{Op: "open", Err: err}
		e.publish(Event{Kind: EventError, Message: "open transport", Err: err})
		return err
	}
	e.open = true
	e.link, e.unlink = context.WithCancel(context.Background())
	close(e.opened)
	e.publish(Event{Kind: EventState, Message: "transport open", Connected: true, Wait: WaitIdle})
	return nil
}

// Close closes the transport. Queued commands are kept.
func (e *Engine) Close() error {
	return e.closeLink(nil)
}

func (e *Engine) closeLink(cause error) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.open {
		return nil
	}
	e.open = false
	e.unlink()
	e.opened = make(chan struct{})

	// a control command already written will never be answered on this link
	head, ok := e.queue.Peek()
	e.emergency.Store(ok && head.Priority == PriorityEmergency)

	err := e.transport.Close()
	if err != nil {
		err = &TransportError{Op: "close", Err: err}
	}
	msg := "transport closed"
	if cause != nil {
		msg = "transport lost"
	}
	e.publish(Event{Kind: EventState, Message: msg, Connected: false, Wait: WaitIdle, Err: cause})
	return err
}

// waitOpen blocks until the transport is open and returns the link context,
// which is canceled when the link goes away.
func (e *Engine) waitOpen(ctx context.Context) (context.Context, error) {
	for {
		e.mx.Lock()
		open, link, opened := e.open, e.link, e.opened
		e.mx.Unlock()
		if open {
			return link, nil
		}
		select {
		case <-opened:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) setWait(w WaitState) {
	old := WaitState(e.wait.Swap(int32(w)))
	if old != w {
		// only the Run goroutine changes the wait state, and only while open
		e.publish(Event{Kind: EventState, Message: fmt.Sprintf("wait state: %s -> %s", old, w), Wait: w, Connected: true})
	}
}

// publish never blocks: when the buffer is full the oldest event is dropped.
func (e *Engine) publish(ev Event) {
	ev.Time = time.Now()
	e.log.Println(ev)
	for {
		select {
		case e.events <- ev:
			return
		default:
		}
		select {
		case <-e.events:
		default:
		}
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	e.publish(Event{Kind: EventLog, Message: fmt.Sprintf(format, args...)})
}

func (e *Engine) record(j JournalEntry) {
	if e.journal == nil {
		return
	}
	j.Time = time.Now()
	if j.RunID == "" {
		j.RunID = e.flow.Status().RunID
	}
	e.journal.Record(j)
}

// Run dispatches commands until ctx is done. Errors from the device link are
// reported as events and never end the loop.
func (e *Engine) Run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	var cur context.Context
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		link, err := e.waitOpen(ctx)
		if err != nil {
			return err
		}
		if link != cur {
			// nothing said on an earlier link carries over
			cur = link
			e.resetLink()
		}

		if line, ok := e.dec.Next(); ok {
			e.handleLine(line)
			continue
		}

		if e.Wait() != WaitIdle {
			// control commands jump the response wait
			if c, ok := e.queue.TryPop(PriorityEmergency); ok {
				e.send(c)
				continue
			}
			e.checkEmergencyTimeout()
			e.readOnce(ctx, buf)
			continue
		}

		c, err := e.pop(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// link went away while idle; the command stays queued
			continue
		}
		e.send(c)
	}
}

func (e *Engine) pop(ctx, link context.Context) (Command, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(link, cancel)
	defer stop()
	return e.queue.Pop(pctx)
}

func (e *Engine) readOnce(ctx context.Context, buf []byte) {
	start := time.Now()
	n, err := e.transport.Read(buf)
	if n > 0 {
		e.dec.Feed(buf[:n])
	}
	if err != nil {
		if !e.Connected() {
			// closed on purpose under us
			return
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = &TransportError{Op: "read", Err: err}
		e.publish(Event{Kind: EventError, Message: "read response", Err: err})
		e.record(JournalEntry{Kind: "error", Err: err.Error()})
		e.resetLink()
		e.closeLink(err)
		return
	}
	if n == 0 {
		if d := minReadPoll - time.Since(start); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}
}

// resetLink drops the per-link conversation state. Run goroutine only.
func (e *Engine) resetLink() {
	e.dec.Reset()
	e.sentAt = time.Time{}
	e.inEmergency = false
	e.sentSinceEmergency = false
	e.lastEmergency = ""
	e.resumeWait = WaitIdle
	e.wait.Store(int32(WaitIdle))
}

func (e *Engine) send(c Command) {
	e.logf("sending command: %q (%s)", c.Payload, c.Priority)

	_, err := e.transport.Write(Encode(c.Payload))
	e.record(JournalEntry{Kind: "send", Priority: c.Priority, Payload: c.Payload})
	if err != nil {
		err = &TransportError{Op: "write", Err: err}
		e.publish(Event{Kind: EventError, Message: fmt.Sprintf("send %q", c.Payload), Err: err})
		e.record(JournalEntry{Kind: "error", Payload: c.Payload, Err: err.Error()})
		if c.Priority == PriorityEmergency {
			e.inEmergency = false
			e.emergency.Store(false)
		}
		// the device did not get it; do not wait for a reply
		e.setWait(WaitIdle)
		return
	}

	now := time.Now()
	if c.Priority == PriorityEmergency {
		if !e.inEmergency {
			e.resumeWait = e.Wait()
		}
		e.inEmergency = true
		e.sentSinceEmergency = false
		e.emergencyAt = now
		e.lastEmergency = c.Payload
	} else {
		e.sentAt = now
		if e.inEmergency {
			e.sentSinceEmergency = true
		}
	}
	e.setWait(WaitAck)
}

func (e *Engine) handleLine(line string) {
	r := Classify(line)
	e.record(JournalEntry{Kind: "recv", Payload: line, Response: r})

	switch r {
	case ResponseAck:
		e.logf("ack response: %q", line)
		e.setWait(WaitFlowDone)
	case ResponseFlowDone:
		if e.sentAt.IsZero() {
			e.logf("flowdone response: %q", line)
		} else {
			e.logf("flowdone response: %q (%s)", line, time.Since(e.sentAt).Round(time.Millisecond))
			e.sentAt = time.Time{}
		}
		e.setWait(WaitIdle)
		e.advanceFlow()
	case ResponseSuspend:
		e.logf("suspend response: %q", line)
		e.emergency.Store(false)
		if e.inEmergency {
			e.inEmergency = false
			e.restoreAfterEmergency()
		}
	default:
		e.logf("unrecognized response: %q", line)
	}
}

// restoreAfterEmergency puts back the wait state a control command
// interrupted.
func (e *Engine) restoreAfterEmergency() {
	if e.lastEmergency == CmdTerminate {
		// a terminated command never reports flowdone
		e.setWait(WaitIdle)
		return
	}
	if e.sentSinceEmergency || e.Wait() != WaitAck {
		// the device already moved the interrupted command along
		return
	}
	e.setWait(e.resumeWait)
}

func (e *Engine) checkEmergencyTimeout() {
	if !e.inEmergency || e.opts.EmergencyTimeout <= 0 {
		return
	}
	if time.Since(e.emergencyAt) < e.opts.EmergencyTimeout {
		return
	}
	err := fmt.Errorf("%s after %s: %w", e.lastEmergency, e.opts.EmergencyTimeout, ErrEmergencyTimeout)
	e.publish(Event{Kind: EventError, Message: "emergency command", Err: err})
	e.record(JournalEntry{Kind: "error", Payload: e.lastEmergency, Err: err.Error()})
	e.inEmergency = false
	e.emergency.Store(false)
	e.setWait(WaitIdle)
}

func (e *Engine) advanceFlow() {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	next, ok, completed := e.flow.Advance()
	if ok {
		e.queue.Push(PriorityNormal, next.Payload)
		e.publish(Event{Kind: EventProgress, Message: next.Payload, Index: next.Index, Total: next.Total})
	}
	if completed {
		st := e.flow.Status()
		e.record(JournalEntry{Kind: "flow-complete", RunID: st.RunID, Payload: st.Name})
		e.publish(Event{Kind: EventComplete, Message: fmt.Sprintf("flow %q complete (%d commands)", st.Name, st.Total), Index: st.Total, Total: st.Total})
	}
}

// Send queues an ordinary command.
func (e *Engine) Send(payload string) Command {
	c := e.queue.Push(PriorityNormal, payload)
	e.logf("received command: %q", payload)
	return c
}

// SendStatus queues a status query ahead of ordinary commands.
func (e *Engine) SendStatus(payload string) Command {
	c := e.queue.Push(PriorityStatus, payload)
	e.logf("received status command: %q", payload)
	return c
}

func (e *Engine) Home() Command { return e.Send(CmdHome) }
func (e *Engine) Move() Command { return e.Send(e.opts.MovePayload) }

func (e *Engine) emergencyCommand(payload, what string) Command {
	e.emergency.Store(true)
	c := e.queue.Push(PriorityEmergency, payload)
	e.logf("receive %s %q", what, payload)
	return c
}

// Pause asks the device to suspend the current command.
func (e *Engine) Pause() Command { return e.emergencyCommand(CmdPause, "suspend") }

// Resume asks a paused device to continue.
func (e *Engine) Resume() Command { return e.emergencyCommand(CmdResume, "continue") }

// Terminate aborts everything: the running flow is dropped, every queued
// command is discarded and suspend[2] becomes the only pending command.
func (e *Engine) Terminate() Command {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	st := e.flow.Status()
	e.flow.Terminate()
	e.emergency.Store(true)
	c, dropped := e.queue.ResetWith(CmdTerminate)

	e.record(JournalEntry{Kind: "reset", RunID: st.RunID, Priority: c.Priority, Payload: c.Payload})
	e.publish(Event{
		Kind:    EventQueueReset,
		Message: fmt.Sprintf("receive terminate %q: discarded %d queued commands", CmdTerminate, dropped),
		Dropped: dropped,
	})
	return c
}

// RunFlow starts a flow; its commands are released one per FlowDone.
func (e *Engine) RunFlow(name string, seq []string) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	first, ok, err := e.flow.Start(name, seq)
	if err != nil {
		return err
	}
	st := e.flow.Status()
	e.record(JournalEntry{Kind: "flow-start", RunID: st.RunID, Payload: name})
	e.logf("flow %q started (%d commands)", name, len(seq))
	if !ok {
		e.publish(Event{Kind: EventComplete, Message: fmt.Sprintf("flow %q complete (0 commands)", name)})
		return nil
	}
	e.queue.Push(PriorityNormal, first.Payload)
	e.publish(Event{Kind: EventProgress, Message: first.Payload, Index: first.Index, Total: first.Total})
	return nil
}

// Flow returns the current flow status.
func (e *Engine) Flow() FlowStatus { return e.flow.Status() }
