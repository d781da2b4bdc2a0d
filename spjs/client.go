package spjs

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/net/websocket"
)

// ErrClientClosed is returned once the websocket to the server is gone.
var ErrClientClosed = errors.New("spjs: connection closed")

// Client is one websocket connection to serial-port-json-server.
type Client struct {
	baseID string
	id     uint32

	url string
	ws  *websocket.Conn
	mx  sync.Mutex

	// state is a channel-guarded clientState
	state chan clientState

	done chan struct{}
	err  error
}

type clientState struct {
	ports []SerialPort

	// listed is closed and replaced every time a port list arrives
	listed chan struct{}

	sinks map[string]*portSink
}

// portSink receives everything the server says about one port.
type portSink struct {
	data   chan string
	opened chan error
	closed chan error
}

func newPortSink() *portSink {
	return &portSink{
		data:   make(chan string, 256),
		opened: make(chan error, 1),
		closed: make(chan error, 1),
	}
}

// Dial connects to the server at url (ws://host:8989/ws) and requests the
// port list.
func Dial(ctx context.Context, url string) (*Client, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("generate client id: %w", err)
	}

	cfg, err := websocket.NewConfig(url, "http://localhost")
	if err != nil {
		return nil, fmt.Errorf("dial SPJS: %w", err)
	}
	cfg.Protocol = []string{"ws"}

	log.Println("Connecting to:", url)
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial SPJS: %w", err)
	}

	c := &Client{
		baseID: base64.RawURLEncoding.EncodeToString(buf),
		url:    url,
		ws:     ws,
		state:  make(chan clientState, 1),
		done:   make(chan struct{}),
	}
	c.state <- clientState{listed: make(chan struct{}), sinks: make(map[string]*portSink)}

	go c.readLoop()

	if err := c.send("list"); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) withState(update func(*clientState)) {
	s := <-c.state
	update(&s)
	c.state <- s
}

func (c *Client) nextID() string {
	return fmt.Sprintf("%s-%d", c.baseID, atomic.AddUint32(&c.id, 1))
}

func (c *Client) send(cmd string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, err := io.WriteString(c.ws, cmd); err != nil {
		return fmt.Errorf("write SPJS (%s): %w", cmd, err)
	}
	return nil
}

// Ports returns the most recent port list.
func (c *Client) Ports() []SerialPort {
	var ports []SerialPort
	c.withState(func(s *clientState) { ports = s.ports })
	return ports
}

// FindPort waits for a port list containing a port accepted by match.
func (c *Client) FindPort(ctx context.Context, match SerialPortMatcher) (SerialPort, error) {
	for {
		var listed chan struct{}
		var found *SerialPort
		c.withState(func(s *clientState) {
			listed = s.listed
			for i := range s.ports {
				if match(s.ports[i]) {
					found = &s.ports[i]
					return
				}
			}
		})
		if found != nil {
			return *found, nil
		}

		select {
		case <-listed:
		case <-c.done:
			return SerialPort{}, c.err
		case <-ctx.Done():
			return SerialPort{}, fmt.Errorf("find serial port: %w", ctx.Err())
		}
	}
}

// attachPort starts delivering data of a port the server already has open.
func (c *Client) attachPort(name string) *portSink {
	sink := newPortSink()
	c.withState(func(s *clientState) { s.sinks[name] = sink })
	return sink
}

// openPort asks the server to open name and waits for the confirmation. The
// returned sink receives the port's serial output.
func (c *Client) openPort(ctx context.Context, name string, baud int, bufferAlgorithm string) (*portSink, error) {
	sink := c.attachPort(name)

	err := c.send(fmt.Sprintf("open %s %d %s", name, baud, bufferAlgorithm))
	if err == nil {
		select {
		case err = <-sink.opened:
		case <-c.done:
			err = c.err
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		c.withState(func(s *clientState) { delete(s.sinks, name) })
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return sink, nil
}

// ClosePort asks the server to close name and stops delivering its data.
func (c *Client) ClosePort(name string) error {
	c.withState(func(s *clientState) { delete(s.sinks, name) })
	return c.send("close " + name)
}

// SendData writes data to the named port through `sendjson`.
func (c *Client) SendData(port, data string) error {
	msg, err := jsonString(SendJSON{
		Port: port,
		Data: []SendJSONData{{ID: c.nextID(), Data: data}},
	})
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return c.send("sendjson " + msg)
}

// Done is closed when the connection is gone; Err then says why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) readLoop() {
	var err error
	for {
		var msg string
		err = websocket.Message.Receive(c.ws, &msg)
		if err != nil {
			break
		}
		c.handle(msg)
	}

	if errors.Is(err, io.EOF) {
		err = ErrClientClosed
	} else {
		err = fmt.Errorf("read SPJS: %w", err)
	}
	c.err = err
	close(c.done)
	c.ws.Close()
}

func (c *Client) handle(msg string) {
	data, ok, err := parseMessage(msg)
	if err != nil {
		log.Println("ERROR:", err)
		return
	}
	if !ok {
		return
	}

	if data.SerialPorts != nil {
		c.withState(func(s *clientState) {
			s.ports = data.SerialPorts
			close(s.listed)
			s.listed = make(chan struct{})
		})
		return
	}

	name := data.P
	if name == "" {
		name = data.Port
	}
	var sink *portSink
	c.withState(func(s *clientState) { sink = s.sinks[name] })
	if sink == nil {
		return
	}

	if data.isPortData() {
		select {
		case sink.data <- data.D:
		default:
			log.Printf("ERROR: SPJS %s: reader stalled, dropped %q", name, data.D)
		}
		return
	}

	switch data.Cmd {
	case "Open":
		notify(sink.opened, nil)
	case "OpenFail":
		notify(sink.opened, fmt.Errorf("server: %s", data.Desc))
	case "Error":
		log.Printf("ERROR: SPJS %s (%s): %s", name, data.ID, data.ErrorCode)
	case "WipedQueue":
		log.Printf("SPJS port %s: queue wiped", name)
	case "Close":
		notify(sink.closed, fmt.Errorf("port %s closed by server", name))
	}
}

func notify(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
