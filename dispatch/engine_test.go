package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scripted device link. Frames written by the engine show
// up on writes; bytes pushed to rx are handed back by Read.
type fakeTransport struct {
	mx       sync.Mutex
	openErr  error
	writeErr error
	respond  func(cmd string) []string

	writes  chan string
	rx      chan []byte
	readErr chan error
	pending []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writes:  make(chan string, 100),
		rx:      make(chan []byte, 100),
		readErr: make(chan error, 1),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error { return f.openErr }
func (f *fakeTransport) Close() error                   { return nil }

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mx.Lock()
	werr, respond := f.writeErr, f.respond
	f.mx.Unlock()
	if werr != nil {
		return 0, werr
	}
	cmd := strings.TrimSuffix(string(p), Terminator)
	f.writes <- cmd
	if respond != nil {
		for _, line := range respond(cmd) {
			f.reply(line)
		}
	}
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		select {
		case b := <-f.rx:
			f.pending = b
		case err := <-f.readErr:
			return 0, err
		case <-time.After(5 * time.Millisecond):
			return 0, nil
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeTransport) reply(line string) { f.rx <- Encode(line) }

func (f *fakeTransport) setRespond(fn func(string) []string) {
	f.mx.Lock()
	f.respond = fn
	f.mx.Unlock()
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mx.Lock()
	f.writeErr = err
	f.mx.Unlock()
}

func (f *fakeTransport) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return ""
}

func (f *fakeTransport) noWrite(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case w := <-f.writes:
		t.Fatalf("unexpected frame %q", w)
	case <-time.After(d):
	}
}

// station answers like the real firmware: ack+flowdone for ordinary
// commands, "suspend ok" for control commands.
func station(cmd string) []string {
	if strings.HasPrefix(cmd, "suspend[") {
		return []string{"suspend ok"}
	}
	return []string{"ACK", "FlowDone"}
}

func newTestEngine(t *testing.T, ft *fakeTransport, opts Options) *Engine {
	t.Helper()
	opts.Logger = log.New(io.Discard, "", 0)
	e := NewEngine(ft, opts)
	return e
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineEmergencyBeforeQueuedNormal(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(station)
	e := newTestEngine(t, ft, Options{})

	e.Home()
	e.Pause()
	startEngine(t, e)

	if got := ft.nextWrite(t); got != CmdPause {
		t.Fatalf("first frame %q, want %q", got, CmdPause)
	}
	if got := ft.nextWrite(t); got != CmdHome {
		t.Fatalf("second frame %q, want %q", got, CmdHome)
	}
}

func TestEngineGatesOnFlowDone(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	startEngine(t, e)

	e.Send("a")
	e.Send("b")
	if got := ft.nextWrite(t); got != "a" {
		t.Fatalf("got %q, want a", got)
	}
	waitFor(t, "awaiting ack", func() bool { return e.Wait() == WaitAck })

	ft.reply("ack")
	waitFor(t, "awaiting flowdone", func() bool { return e.Wait() == WaitFlowDone })
	ft.noWrite(t, 30*time.Millisecond)

	ft.reply("noise from the device")
	ft.noWrite(t, 30*time.Millisecond)
	if e.Wait() != WaitFlowDone {
		t.Fatalf("unrecognized line changed wait state to %s", e.Wait())
	}

	ft.reply("flowdone")
	if got := ft.nextWrite(t); got != "b" {
		t.Fatalf("got %q, want b", got)
	}
}

func TestEngineRunFlow(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(station)
	e := newTestEngine(t, ft, Options{})
	startEngine(t, e)

	seq := []string{"home", DefaultMovePayload, "home"}
	if err := e.RunFlow("demo", seq); err != nil {
		t.Fatal(err)
	}
	for _, want := range seq {
		if got := ft.nextWrite(t); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	ev := waitEvent(t, e, EventComplete)
	if ev.Total != 3 {
		t.Errorf("complete event total %d, want 3", ev.Total)
	}
	ft.noWrite(t, 30*time.Millisecond)
	if st := e.Flow(); st.State != FlowCompleted {
		t.Errorf("flow state %s, want completed", st.State)
	}
}

func TestEngineRunFlowWhileRunning(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	if err := e.RunFlow("a", []string{"x", "y"}); err != nil {
		t.Fatal(err)
	}
	if err := e.RunFlow("b", []string{"z"}); !errors.Is(err, ErrFlowRunning) {
		t.Errorf("got %v, want %v", err, ErrFlowRunning)
	}
}

func TestEnginePauseWhileAwaitingFlowDone(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	startEngine(t, e)

	e.Send(DefaultMovePayload)
	ft.nextWrite(t)
	ft.reply("ack")
	waitFor(t, "awaiting flowdone", func() bool { return e.Wait() == WaitFlowDone })

	e.Send("home")
	e.Pause()
	if got := ft.nextWrite(t); got != CmdPause {
		t.Fatalf("got %q, want %q", got, CmdPause)
	}
	if !e.Emergency() {
		t.Error("emergency flag should be set until the suspend reply")
	}

	ft.reply("suspend ok")
	waitFor(t, "emergency cleared", func() bool { return !e.Emergency() })
	waitFor(t, "back to awaiting flowdone", func() bool { return e.Wait() == WaitFlowDone })
	ft.noWrite(t, 30*time.Millisecond)

	e.Resume()
	if got := ft.nextWrite(t); got != CmdResume {
		t.Fatalf("got %q, want %q", got, CmdResume)
	}
	ft.reply("suspend ok")
	ft.reply("FlowDone")
	if got := ft.nextWrite(t); got != "home" {
		t.Fatalf("got %q, want home", got)
	}
}

func TestEngineTerminate(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	startEngine(t, e)

	if err := e.RunFlow("long", []string{"c1", "c2", "c3", "c4"}); err != nil {
		t.Fatal(err)
	}
	if got := ft.nextWrite(t); got != "c1" {
		t.Fatalf("got %q, want c1", got)
	}
	ft.reply("ack")
	waitFor(t, "awaiting flowdone", func() bool { return e.Wait() == WaitFlowDone })
	e.Send("home")
	e.Send("home")

	e.Terminate()
	ev := waitEvent(t, e, EventQueueReset)
	if ev.Dropped != 2 {
		t.Errorf("dropped %d, want 2", ev.Dropped)
	}
	if got := ft.nextWrite(t); got != CmdTerminate {
		t.Fatalf("got %q, want %q", got, CmdTerminate)
	}
	if st := e.Flow(); st.State != FlowIdle || st.Total != 0 {
		t.Errorf("flow %+v, want idle and empty", st)
	}

	ft.reply("suspend ok")
	waitFor(t, "idle after terminate", func() bool { return e.Wait() == WaitIdle })

	// a late flowdone for the aborted command must not revive the flow
	ft.reply("FlowDone")
	ft.noWrite(t, 50*time.Millisecond)
	if e.Queue().Len() != 0 {
		t.Errorf("queue holds %d commands after terminate", e.Queue().Len())
	}
}

func TestEngineWriteFailure(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	ft.setWriteErr(errors.New("cable pulled"))
	startEngine(t, e)

	e.Send("a")
	ev := waitEvent(t, e, EventError)
	if !IsWriteFailure(ev.Err) {
		t.Fatalf("got %v, want a write failure", ev.Err)
	}
	waitFor(t, "idle after write failure", func() bool { return e.Wait() == WaitIdle })

	ft.setWriteErr(nil)
	e.Send("b")
	if got := ft.nextWrite(t); got != "b" {
		t.Fatalf("got %q, want b (no retry of a)", got)
	}
}

func TestEngineEmergencyTimeout(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{EmergencyTimeout: 50 * time.Millisecond})
	startEngine(t, e)

	e.Pause()
	ft.nextWrite(t)

	ev := waitEvent(t, e, EventError)
	if !errors.Is(ev.Err, ErrEmergencyTimeout) {
		t.Fatalf("got %v, want %v", ev.Err, ErrEmergencyTimeout)
	}
	waitFor(t, "idle after timeout", func() bool { return e.Wait() == WaitIdle && !e.Emergency() })
}

func TestEngineReadFailureClosesLink(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	startEngine(t, e)

	e.Send("a")
	ft.nextWrite(t)
	ft.readErr <- errors.New("device gone")

	waitFor(t, "link closed", func() bool { return !e.Connected() })
	if e.Wait() != WaitIdle {
		t.Errorf("wait %s, want idle", e.Wait())
	}

	// queued while closed, dispatched after reopen
	e.Send("b")
	ft.noWrite(t, 30*time.Millisecond)
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ft.nextWrite(t); got != "b" {
		t.Fatalf("got %q, want b", got)
	}
}

func TestEngineOpenFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.openErr = errors.New("no such port")
	e := newTestEngine(t, ft, Options{})

	err := e.Open(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" {
		t.Fatalf("got %v, want an open TransportError", err)
	}
	if e.Connected() {
		t.Error("engine reports connected after a failed open")
	}
}

type memJournal struct {
	mx      sync.Mutex
	entries []JournalEntry
}

func (j *memJournal) Record(e JournalEntry) {
	j.mx.Lock()
	j.entries = append(j.entries, e)
	j.mx.Unlock()
}

func (j *memJournal) kinds() string {
	j.mx.Lock()
	defer j.mx.Unlock()
	var k []string
	for _, e := range j.entries {
		k = append(k, e.Kind)
	}
	return strings.Join(k, ",")
}

func TestEngineJournal(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(station)
	j := &memJournal{}
	e := newTestEngine(t, ft, Options{Journal: j})
	startEngine(t, e)

	e.RunFlow("one", []string{"home"})
	waitEvent(t, e, EventComplete)

	want := "flow-start,send,recv,recv,flow-complete"
	if got := j.kinds(); got != want {
		t.Errorf("journal %q, want %q", got, want)
	}
	j.mx.Lock()
	defer j.mx.Unlock()
	run := j.entries[0].RunID
	for _, en := range j.entries {
		if en.RunID != run {
			t.Errorf("entry %+v has run id %q, want %q", en, en.RunID, run)
		}
	}
}

func TestEngineRunStopsWhileAwaitingReply(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Send("a")
	ft.nextWrite(t)
	waitFor(t, "awaiting ack", func() bool { return e.Wait() == WaitAck })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want %v", err, context.Canceled)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run still running after cancel (wait=%s)", e.Wait())
	}
}

func TestEngineReopenStartsClean(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{EmergencyTimeout: 100 * time.Millisecond})
	startEngine(t, e)

	e.Pause()
	if got := ft.nextWrite(t); got != CmdPause {
		t.Fatalf("got %q, want %q", got, CmdPause)
	}
	// half a line from the old link
	ft.rx <- []byte("Flow")
	waitFor(t, "partial line read", func() bool { return len(ft.rx) == 0 })
	time.Sleep(20 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if e.Emergency() {
		t.Error("emergency flag survived close")
	}
	if st := e.Status(); st.Wait != WaitIdle {
		t.Errorf("status wait %s while closed, want idle", st.Wait)
	}

	time.Sleep(150 * time.Millisecond)
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.Send("a")
	e.Send("b")
	if got := ft.nextWrite(t); got != "a" {
		t.Fatalf("got %q, want a", got)
	}
	if e.Emergency() {
		t.Error("emergency flag set after reopen")
	}

	// "Done" alone is noise; glued to the old "Flow" it would release b
	ft.reply("Done")
	ft.noWrite(t, 200*time.Millisecond)
	if e.Wait() != WaitAck {
		t.Fatalf("wait %s, want %s", e.Wait(), WaitAck)
	}

	ft.reply("ack")
	ft.reply("flowdone")
	if got := ft.nextWrite(t); got != "b" {
		t.Fatalf("got %q, want b", got)
	}
}

func TestEngineCloseKeepsQueuedEmergency(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	// no dispatch loop: suspend[1] stays queued
	e.Pause()
	e.Close()
	if !e.Emergency() {
		t.Error("emergency flag cleared while suspend[1] is still queued")
	}
}

func TestEngineSuspendReplyAfterNextCommand(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})
	startEngine(t, e)

	e.Send("a")
	ft.nextWrite(t)
	ft.reply("ack")
	waitFor(t, "awaiting flowdone", func() bool { return e.Wait() == WaitFlowDone })

	e.Send("b")
	e.Pause()
	if got := ft.nextWrite(t); got != CmdPause {
		t.Fatalf("got %q, want %q", got, CmdPause)
	}

	// a finishes before the device answers the pause, so b goes out
	ft.reply("flowdone")
	if got := ft.nextWrite(t); got != "b" {
		t.Fatalf("got %q, want b", got)
	}
	ft.reply("suspend ok")
	waitFor(t, "emergency cleared", func() bool { return !e.Emergency() })
	if e.Wait() != WaitAck {
		t.Errorf("wait %s after suspend reply, want %s for b", e.Wait(), WaitAck)
	}
}
