// Package serialport is a dispatch.Transport over a directly attached serial
// port.
package serialport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mastercactapus/stnctl/dispatch"
	"go.bug.st/serial"
)

// DefaultBaud is the rate the station firmware runs at.
const DefaultBaud = 115200

// Opener opens a serial port. serial.Open is used when nil.
type Opener func(name string, mode *serial.Mode) (serial.Port, error)

type Transport struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration

	open Opener

	mx   sync.Mutex
	port serial.Port
}

var _ dispatch.Transport = &Transport{}

func New(name string, baud int, readTimeout time.Duration) *Transport {
	return &Transport{Name: name, Baud: baud, ReadTimeout: readTimeout}
}

// WithOpener replaces the function used to open the device.
func (t *Transport) WithOpener(o Opener) *Transport {
	t.open = o
	return t
}

// Open opens the port 8N1 and sets the read timeout that bounds each Read.
func (t *Transport) Open(ctx context.Context) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	baud := t.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	open := t.open
	if open == nil {
		open = serial.Open
	}
	port, err := open(t.Name, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", t.Name, err)
	}

	timeout := t.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", t.Name, err)
	}

	log.Printf("Opened serial port %s at %d baud", t.Name, baud)
	t.port = port
	return nil
}

func (t *Transport) current() (serial.Port, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.port == nil {
		return nil, dispatch.ErrClosed
	}
	return t.port, nil
}

func (t *Transport) Write(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// Read returns (0, nil) when the read timeout passes with no data.
func (t *Transport) Read(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (t *Transport) Close() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Ports lists the serial ports present on this machine.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
