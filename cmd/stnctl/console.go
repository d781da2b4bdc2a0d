package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/mastercactapus/stnctl/logging"
	"github.com/mastercactapus/stnctl/session"
	"github.com/spf13/cobra"
)

const consoleHelp = `# stnctl console

Any line that does not start with a dot is sent to the station as-is.
Write ` + "`\\t`" + ` for a tab between fields.

| Command | Action |
|---|---|
| ` + "`.home`" + ` | queue ` + "`home`" + ` |
| ` + "`.move`" + ` | queue the station X move |
| ` + "`.pause`" + ` | send ` + "`suspend[1]`" + ` ahead of everything |
| ` + "`.resume`" + ` | send ` + "`suspend[0]`" + ` ahead of everything |
| ` + "`.stop`" + ` | send ` + "`suspend[2]`" + `, drop the queue and the running flow |
| ` + "`.run <file>`" + ` | run a flow file, one command per line |
| ` + "`.status`" + ` | show link, wait state and flow progress |
| ` + "`.queue`" + ` | list queued commands |
| ` + "`.help`" + ` | this page |
| ` + "`.quit`" + ` | leave |
`

var errQuit = errors.New("quit")

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// keep log lines off the prompt; events are printed instead
		defer logging.Setup(cfg.Log, nil).Close()

		s, err := session.New(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Open(cmd.Context()); err != nil {
			return err
		}

		le := NewLineEditor()
		defer le.Close()

		c := &console{sess: s, out: os.Stdout}
		go c.printEvents(cmd.Context())
		return c.repl(le)
	},
}

type console struct {
	sess *session.Session
	out  io.Writer
}

func (c *console) repl(le *LineEditor) error {
	if le.IsInteractive() {
		fmt.Fprintln(c.out, "Type .help for commands.")
	}
	for {
		line, err := le.GetLine("stn> ")
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = c.exec(line)
		if err == errQuit {
			return nil
		}
		if err != nil {
			fmt.Fprintln(c.out, "ERROR:", err)
		}
	}
}

func (c *console) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, ".") {
		c.sess.Send(strings.ReplaceAll(line, `\t`, "\t"))
		return nil
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case ".home":
		c.sess.Home()
	case ".move":
		c.sess.Move()
	case ".pause":
		c.sess.Pause()
	case ".resume":
		c.sess.Resume()
	case ".stop":
		c.sess.Terminate()
	case ".run":
		if arg == "" {
			return errors.New(".run needs a file")
		}
		return c.runFile(arg)
	case ".status":
		c.printStatus()
	case ".queue":
		c.printQueue()
	case ".help":
		c.printHelp()
	case ".quit", ".exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %s (try .help)", name)
	}
	return nil
}

func (c *console) runFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := c.sess.RunFlowFile(filepath.Base(path), f)
	if err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}
	fmt.Fprintf(c.out, "started %s (%d commands)\n", filepath.Base(path), n)
	return nil
}

func (c *console) printStatus() {
	st := c.sess.Status()
	link := "closed"
	if st.Connected {
		link = "open"
	}
	fmt.Fprintf(c.out, "link: %s, %s, %d queued", link, st.Wait, st.Queued)
	if st.Emergency {
		fmt.Fprint(c.out, ", control command outstanding")
	}
	fmt.Fprintln(c.out)
	if st.Flow.Name != "" {
		fmt.Fprintf(c.out, "flow %q: %s, %d/%d sent\n", st.Flow.Name, st.Flow.State, st.Flow.Sent, st.Flow.Total)
	}
}

func (c *console) printQueue() {
	cmds := c.sess.Queue().Snapshot()
	if len(cmds) == 0 {
		fmt.Fprintln(c.out, "queue empty")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tPRIORITY\tPAYLOAD")
	for _, cmd := range cmds {
		fmt.Fprintf(w, "%d\t%s\t%q\n", cmd.Seq, cmd.Priority, cmd.Payload)
	}
	w.Flush()
}

func (c *console) printHelp() {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err == nil {
		var out string
		out, err = r.Render(consoleHelp)
		if err == nil {
			fmt.Fprint(c.out, out)
			return
		}
	}
	fmt.Fprint(c.out, consoleHelp)
}

func (c *console) printEvents(ctx context.Context) {
	for {
		select {
		case ev := <-c.sess.Events():
			fmt.Fprintln(c.out, ev)
		case <-ctx.Done():
			return
		}
	}
}
