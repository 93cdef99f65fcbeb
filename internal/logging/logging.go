// Package logging builds the component loggers of the daemon.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"docsync/internal/config"
)

// Output returns the process log destination: a rotating file when
// cfg.File is set, stderr otherwise. The returned closer releases the file.
func Output(cfg config.Log) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, nopCloser{}
	}
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return w, w
}

// nopCloser leaves stderr open.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger that prefixes every line with [component].
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
