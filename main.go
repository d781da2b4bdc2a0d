package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"time"

	"fyne.io/fyne"
	"fyne.io/fyne/app"
	"fyne.io/fyne/dialog"
	"fyne.io/fyne/layout"
	"fyne.io/fyne/storage"
	"fyne.io/fyne/theme"
	"fyne.io/fyne/widget"

	"github.com/mastercactapus/stnctl/config"
	"github.com/mastercactapus/stnctl/dispatch"
	"github.com/mastercactapus/stnctl/logging"
	"github.com/mastercactapus/stnctl/session"
)

// maxLogLines bounds the on-screen log.
const maxLogLines = 500

func main() {
	cfgPath := flag.String("config", "", "YAML config file (default $"+config.EnvConfig+").")
	transport := flag.String("transport", "", "Override the transport: serial, spjs or sim.")
	full := flag.Bool("fullscreen", false, "Run in fullscreen.")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalln("ERROR:", err)
	}
	if *transport != "" {
		cfg.Transport.Kind = *transport
		if err := cfg.Validate(); err != nil {
			log.Fatalln("ERROR:", err)
		}
	}
	defer logging.Setup(cfg.Log, os.Stderr).Close()

	log.Println("START")
	s, err := session.New(cfg)
	if err != nil {
		log.Fatalln("ERROR:", err)
	}
	defer s.Close()

	a := app.New()
	ctx := context.Background()

	w := a.NewWindow("Station Control")
	w.Resize(fyne.NewSize(800, 480))
	if *full {
		w.SetFullScreen(true)
	}

	lines := newLogLines(maxLogLines)
	logList := widget.NewList(
		lines.Len,
		func() fyne.CanvasObject {
			l := widget.NewLabel("")
			l.TextStyle.Monospace = true
			return l
		},
		func(id widget.ListItemID, obj fyne.CanvasObject) {
			obj.(*widget.Label).SetText(lines.Get(int(id)))
		},
	)

	linkStatus := widget.NewLabel("Link: closed")
	waitStatus := widget.NewLabel("Station: idle")
	refreshStatus := func() {
		st := s.Status()
		link := "closed"
		if st.Connected {
			link = "open (" + cfg.Transport.Kind + ")"
		}
		linkStatus.SetText("Link: " + link)
		wait := st.Wait.String()
		if st.Emergency {
			wait += ", control command outstanding"
		}
		waitStatus.SetText(fmt.Sprintf("Station: %s, %d queued", wait, st.Queued))
	}

	connect := widget.NewButtonWithIcon("", theme.ViewRefreshIcon(), func() {
		if s.Connected() {
			return
		}
		prog := dialog.NewProgressInfinite("Connecting", "Opening the link to the station...", w)
		go func() {
			octx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			err := s.Open(octx)
			prog.Hide()
			if err != nil {
				dialog.ShowError(err, w)
			}
			refreshStatus()
		}()
	})

	flowText := widget.NewMultiLineEntry()
	flowText.SetPlaceHolder("One command per line, e.g.\nhome\nMoveStnX\t20")
	flowName := "untitled"

	home := widget.NewButtonWithIcon("", theme.HomeIcon(), func() { s.Home() })
	move := widget.NewButtonWithIcon("", theme.NavigateNextIcon(), func() { s.Move() })
	load := widget.NewButtonWithIcon("", theme.FolderOpenIcon(), func() {
		open := dialog.NewFileOpen(func(rc fyne.URIReadCloser, err error) {
			if err != nil {
				log.Println("ERROR:", err)
				return
			}
			if rc == nil {
				return
			}
			defer rc.Close()
			data, err := ioutil.ReadAll(rc)
			if err != nil {
				dialog.ShowError(err, w)
				return
			}
			flowName = rc.Name()
			flowText.SetText(string(data))
		}, w)
		open.SetFilter(storage.NewExtensionFileFilter([]string{".flow", ".txt"}))
		open.Show()
	})
	runFlow := widget.NewButtonWithIcon("", theme.ContentRedoIcon(), func() {
		if _, err := s.RunFlowFile(flowName, strings.NewReader(flowText.Text)); err != nil {
			dialog.ShowError(err, w)
		}
	})
	pause := widget.NewButtonWithIcon("", theme.MediaPauseIcon(), func() { s.Pause() })
	resume := widget.NewButtonWithIcon("", theme.MediaPlayIcon(), func() { s.Resume() })
	terminate := widget.NewButtonWithIcon("", theme.CancelIcon(), func() {
		// no confirmation: this is the stop button
		s.Terminate()
	})

	actions := fyne.NewContainerWithLayout(layout.NewHBoxLayout(),
		fyne.NewContainerWithLayout(NewSquareGridLayout(4, 64),
			connect, home, move, load,
			runFlow, pause, resume, terminate,
		),
		fyne.NewContainerWithLayout(layout.NewVBoxLayout(), linkStatus, waitStatus),
	)

	flowStatus := widget.NewLabel("No flow.")
	flowProgress := widget.NewProgressBar()
	var progress dispatch.Event
	flowProgress.TextFormatter = func() string {
		if progress.Total == 0 {
			return "No flow running."
		}
		return fmt.Sprintf("%d of %d", progress.Index, progress.Total)
	}

	go func() {
		for ev := range s.Events() {
			lines.Add(ev.String())
			logList.Refresh()

			switch ev.Kind {
			case dispatch.EventProgress:
				progress = ev
				flowStatus.SetText("Flow: " + s.Flow().Name + " (sent " + ev.Message + ")")
				flowProgress.SetValue(float64(ev.Index) / float64(ev.Total))
			case dispatch.EventComplete:
				progress = ev
				flowStatus.SetText(ev.Message)
				flowProgress.SetValue(1)
			case dispatch.EventQueueReset:
				progress = dispatch.Event{}
				flowStatus.SetText("Flow terminated.")
				flowProgress.SetValue(0)
			case dispatch.EventError:
				flowStatus.SetText("Error: " + ev.Err.Error())
			}
			refreshStatus()
		}
	}()

	grp := widget.NewGroup("Flow",
		flowStatus,
		flowProgress,
	)
	top := fyne.NewContainerWithLayout(layout.NewVBoxLayout(), actions, grp)
	center := fyne.NewContainerWithLayout(layout.NewGridLayout(2),
		widget.NewVScrollContainer(flowText),
		logList,
	)
	w.SetContent(fyne.NewContainerWithLayout(
		layout.NewBorderLayout(top, nil, nil, nil),
		top, center,
	))

	if s.Connect(ctx) {
		refreshStatus()
	}

	w.Show()
	a.Run()
}
