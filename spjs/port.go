package spjs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mastercactapus/stnctl/dispatch"
)

const (
	DefaultBaud            = 115200
	DefaultBufferAlgorithm = "default"
	defaultPollInterval    = 100 * time.Millisecond
)

// Port is a dispatch.Transport reaching the station through
// serial-port-json-server. Every Open dials a fresh websocket.
type Port struct {
	URL   string
	Match SerialPortMatcher

	Baud            int
	BufferAlgorithm string
	PollInterval    time.Duration

	mx      sync.Mutex
	cli     *Client
	name    string
	sink    *portSink
	pending []byte
}

var _ dispatch.Transport = &Port{}

func NewPort(url string, match SerialPortMatcher) *Port {
	return &Port{URL: url, Match: match}
}

// Name returns the server-side port name while open.
func (p *Port) Name() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.name
}

// Open dials the server, waits for the matching port to be listed and opens
// it unless the server already has it open.
func (p *Port) Open(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cli != nil {
		return nil
	}

	baud := p.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	algo := p.BufferAlgorithm
	if algo == "" {
		algo = DefaultBufferAlgorithm
	}

	cli, err := Dial(ctx, p.URL)
	if err != nil {
		return err
	}
	sp, err := cli.FindPort(ctx, p.Match)
	if err != nil {
		cli.Close()
		return err
	}

	var sink *portSink
	if sp.IsOpen {
		sink = cli.attachPort(sp.Name)
	} else {
		sink, err = cli.openPort(ctx, sp.Name, baud, algo)
		if err != nil {
			cli.Close()
			return err
		}
	}

	log.Printf("Opened %s (%s) through %s", sp.Name, sp.Friendly, p.URL)
	p.cli, p.name, p.sink, p.pending = cli, sp.Name, sink, nil
	return nil
}

func (p *Port) current() (*Client, string, *portSink, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cli == nil {
		return nil, "", nil, dispatch.ErrClosed
	}
	return p.cli, p.name, p.sink, nil
}

// Write sends one frame. SPJS forwards the data verbatim, terminator
// included.
func (p *Port) Write(b []byte) (int, error) {
	cli, name, _, err := p.current()
	if err != nil {
		return 0, err
	}
	if err := cli.SendData(name, string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read returns serial output from the port, or (0, nil) after PollInterval
// with nothing received.
func (p *Port) Read(b []byte) (int, error) {
	cli, _, sink, err := p.current()
	if err != nil {
		return 0, err
	}

	// Read is only ever called from the dispatch loop
	if len(p.pending) == 0 {
		poll := p.PollInterval
		if poll <= 0 {
			poll = defaultPollInterval
		}
		t := time.NewTimer(poll)
		defer t.Stop()
		select {
		case s := <-sink.data:
			p.pending = []byte(s)
		case err := <-sink.closed:
			return 0, err
		case <-cli.Done():
			return 0, cli.Err()
		case <-t.C:
			return 0, nil
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Port) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cli == nil {
		return nil
	}
	cli, name := p.cli, p.name
	p.cli, p.name, p.sink, p.pending = nil, "", nil, nil

	err := cli.ClosePort(name)
	if cerr := cli.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}
