// Package session wires a configured transport, journal and dispatch engine
// together and runs the engine in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/mastercactapus/stnctl/config"
	"github.com/mastercactapus/stnctl/devicesim"
	"github.com/mastercactapus/stnctl/dispatch"
	"github.com/mastercactapus/stnctl/journal"
	"github.com/mastercactapus/stnctl/logging"
	"github.com/mastercactapus/stnctl/serialport"
	"github.com/mastercactapus/stnctl/spjs"
)

// NewTransport builds the transport named by cfg.Kind.
func NewTransport(cfg config.TransportConfig) (dispatch.Transport, error) {
	switch cfg.Kind {
	case config.TransportSerial:
		return serialport.New(cfg.Serial.Port, cfg.Serial.Baud, cfg.Serial.ReadTimeout), nil
	case config.TransportSPJS:
		match := spjs.NewNameMatcher(cfg.SPJS.Port)
		if cfg.SPJS.Port == "" {
			match = spjs.NewVIDPIDMatcher(cfg.SPJS.VID, cfg.SPJS.PID)
		}
		p := spjs.NewPort(cfg.SPJS.URL, match)
		p.Baud = cfg.SPJS.Baud
		p.BufferAlgorithm = cfg.SPJS.BufferAlgorithm
		return p, nil
	case config.TransportSim:
		return devicesim.NewTransport(devicesim.NewStation(cfg.Sim.WorkTime)), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
}

// Session is a running engine plus the resources it owns.
type Session struct {
	*dispatch.Engine

	journal *journal.Journal
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the engine for cfg and starts its dispatch loop. The transport
// is not opened; call Open (or Connect) when ready.
func New(cfg *config.Config) (*Session, error) {
	t, err := NewTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg, t), nil
}

// NewWithTransport is New with an explicit transport.
func NewWithTransport(cfg *config.Config, t dispatch.Transport) *Session {
	s := &Session{}
	opts := dispatch.Options{
		Logger:           logging.New("dispatch: "),
		EventBuffer:      cfg.Dispatch.EventBuffer,
		EmergencyTimeout: cfg.Dispatch.EmergencyTimeout,
		MovePayload:      cfg.Dispatch.MovePayload,
	}
	if cfg.Log.Journal != "" {
		s.journal = journal.Open(cfg.Log.Journal, cfg.Log)
		opts.Journal = s.journal
	}
	s.Engine = dispatch.NewEngine(t, opts)

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.Engine.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Println("ERROR: dispatch loop:", err)
		}
	}()
	return s
}

// Connect opens the transport, logging the failure instead of returning it.
func (s *Session) Connect(ctx context.Context) bool {
	if err := s.Open(ctx); err != nil {
		log.Println("ERROR:", err)
		return false
	}
	return true
}

// RunFlowFile loads a flow from r and starts it.
func (s *Session) RunFlowFile(name string, r io.Reader) (int, error) {
	seq, err := dispatch.LoadFlow(r)
	if err != nil {
		return 0, err
	}
	if err := s.RunFlow(name, seq); err != nil {
		return 0, err
	}
	return len(seq), nil
}

// Close stops the dispatch loop and closes the transport and journal.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()

	err := s.Engine.Close()
	if s.journal != nil {
		if jerr := s.journal.Close(); err == nil {
			err = jerr
		}
	}
	return err
}
