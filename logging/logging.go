// Package logging sets up the standard logger to write to the terminal and,
// optionally, to a size-rotated file.
package logging

import (
	"io"
	"log"

	"github.com/mastercactapus/stnctl/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotating returns a size-rotated writer for path using the limits in cfg.
func Rotating(path string, cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
}

// Setup points the standard logger at term plus cfg.File, if set. A nil term
// logs to the file only, or nowhere when there is no file. The returned
// closer releases the file.
func Setup(cfg config.LogConfig, term io.Writer) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var outputs []io.Writer
	if term != nil {
		outputs = append(outputs, term)
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f := Rotating(cfg.File, cfg)
		outputs = append(outputs, f)
		closer = f
	}

	switch len(outputs) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(outputs[0])
	default:
		log.SetOutput(io.MultiWriter(outputs...))
	}
	return closer
}

// New returns a logger that shares the standard logger's output with a
// prefix of its own.
func New(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, log.Flags()|log.Lmsgprefix)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
