// Package devicesim is an in-process stand-in for the station firmware. It
// answers ordinary commands with "ack" and, after a work delay, "flowdone";
// it answers suspend[n] with "suspend ok" and honours pause, resume and
// terminate.
package devicesim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/stnctl/dispatch"
)

const (
	ReplyAck      = "ack"
	ReplyFlowDone = "flowdone"
	ReplySuspend  = "suspend ok"

	replyBuffer = 64
)

// Station simulates the device. One session is served per connection.
type Station struct {
	// WorkTime is how long an ordinary command takes before flowdone.
	WorkTime time.Duration

	// IgnoreSuspend leaves suspend[n] unanswered.
	IgnoreSuspend bool

	mx       sync.Mutex
	received []string
}

func NewStation(workTime time.Duration) *Station {
	return &Station{WorkTime: workTime}
}

// Received returns every command the station has read, in order.
func (s *Station) Received() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.received...)
}

func (s *Station) logReceived(cmd string) {
	s.mx.Lock()
	s.received = append(s.received, cmd)
	s.mx.Unlock()
}

// Serve runs one session on conn until it is closed.
func (s *Station) Serve(conn net.Conn) {
	defer conn.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(conn)
		scan.Split(dispatch.ScanLines)
		for scan.Scan() {
			lines <- scan.Text()
		}
	}()

	// net.Pipe is unbuffered: replies pile up in out while the engine is not
	// reading, and past replyBuffer they are dropped.
	out := make(chan string, replyBuffer)
	reply := func(line string) {
		select {
		case out <- line:
		default:
			log.Printf("ERROR: simulated station: reply buffer full, dropped %q", line)
		}
	}
	go func() {
		for line := range out {
			if _, err := conn.Write(dispatch.Encode(line)); err != nil {
				return
			}
		}
	}()
	defer close(out)

	var (
		busy, paused bool
		remaining    time.Duration
		started      time.Time
		timer        = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	stopWork := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	startWork := func(d time.Duration) {
		stopWork()
		started = time.Now()
		remaining = d
		timer.Reset(d)
	}

	for {
		select {
		case <-timer.C:
			if busy && !paused {
				busy = false
				reply(ReplyFlowDone)
			}
		case cmd, ok := <-lines:
			if !ok {
				return
			}
			s.logReceived(cmd)

			if !strings.HasPrefix(cmd, "suspend[") {
				busy, paused = true, false
				reply(ReplyAck)
				startWork(s.WorkTime)
				continue
			}

			switch cmd {
			case dispatch.CmdPause:
				if busy && !paused {
					stopWork()
					remaining -= time.Since(started)
					if remaining < 0 {
						remaining = 0
					}
				}
				paused = true
			case dispatch.CmdResume:
				if busy && paused {
					startWork(remaining)
				}
				paused = false
			case dispatch.CmdTerminate:
				stopWork()
				busy, paused = false, false
			}
			if !s.IgnoreSuspend {
				reply(ReplySuspend)
			}
		}
	}
}

// Transport connects an engine to a Station over an in-memory pipe.
type Transport struct {
	Station *Station

	// PollInterval bounds each Read.
	PollInterval time.Duration

	mx   sync.Mutex
	conn net.Conn
}

var _ dispatch.Transport = &Transport{}

func NewTransport(s *Station) *Transport {
	return &Transport{Station: s, PollInterval: 50 * time.Millisecond}
}

func (t *Transport) Open(ctx context.Context) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	client, device := net.Pipe()
	go t.Station.Serve(device)
	t.conn = client
	log.Println("Simulated station attached")
	return nil
}

func (t *Transport) current() (net.Conn, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return nil, dispatch.ErrClosed
	}
	return t.conn, nil
}

func (t *Transport) Write(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (t *Transport) Read(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	conn.SetReadDeadline(time.Now().Add(t.PollInterval))
	n, err := conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	if errors.Is(err, io.ErrClosedPipe) && n == 0 {
		return 0, io.EOF
	}
	return n, err
}

func (t *Transport) Close() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
