package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/mastercactapus/stnctl/config"
	"github.com/mastercactapus/stnctl/dispatch"
	"github.com/mastercactapus/stnctl/logging"
	"github.com/mastercactapus/stnctl/serialport"
	"github.com/mastercactapus/stnctl/session"
	"github.com/mastercactapus/stnctl/spjs"
	"github.com/spf13/cobra"
)

// terminateGrace is how long an interrupted run waits for suspend[2] to go
// out before closing the link.
const terminateGrace = 2 * time.Second

var runCmd = &cobra.Command{
	Use:   "run <flow-file>",
	Short: "Run a flow file and exit when it completes",
	Long: `Run sends the commands of a flow file one at a time, each after the
station reports flowdone for the previous one. Blank lines and lines starting
with ';' or '#' are skipped. Interrupting the run terminates the flow on the
station.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logging.Setup(cfg.Log, os.Stderr).Close()

		s, err := session.New(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runFlow(ctx, s, args[0])
	},
}

func runFlow(ctx context.Context, s *session.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.Open(ctx); err != nil {
		return err
	}
	name := filepath.Base(path)
	if _, err := s.RunFlowFile(name, f); err != nil {
		return err
	}

	start := time.Now()
	for {
		select {
		case ev := <-s.Events():
			switch {
			case ev.Kind == dispatch.EventComplete:
				log.Printf("flow %s done in %s", name, time.Since(start).Round(time.Millisecond))
				return nil
			case ev.Kind == dispatch.EventError && dispatch.IsWriteFailure(ev.Err):
				s.Terminate()
				return fmt.Errorf("flow %s aborted: %w", name, ev.Err)
			case ev.Kind == dispatch.EventState && !ev.Connected && ev.Err != nil:
				return fmt.Errorf("flow %s aborted: %w", name, ev.Err)
			}
		case <-ctx.Done():
			log.Println("Interrupted, terminating flow")
			s.Terminate()
			waitIdle(s, terminateGrace)
			return errors.New("interrupted")
		}
	}
}

// waitIdle waits until no control command is outstanding.
func waitIdle(s *session.Session, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for s.Emergency() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if cfg.Transport.Kind != config.TransportSPJS {
			names, err := serialport.Ports()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		cli, err := spjs.Dial(ctx, cfg.Transport.SPJS.URL)
		if err != nil {
			return err
		}
		defer cli.Close()
		// any port will do; this just waits for the first list
		if _, err := cli.FindPort(ctx, func(spjs.SerialPort) bool { return true }); err != nil {
			return err
		}
		for _, p := range cli.Ports() {
			fmt.Fprintf(out, "%s\t%s\t%s:%s\topen=%v\n", p.Name, p.Friendly, p.VID, p.PID, p.IsOpen)
		}
		return nil
	},
}
