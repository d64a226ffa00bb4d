package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a logger for prefix and the writer behind it. With
// log.file set the output rotates by size; the caller closes the writer
// when done.
func NewLogger(s LogSettings, prefix string) (*log.Logger, io.WriteCloser) {
	var w io.WriteCloser = nopCloser{os.Stderr}
	if s.File != "" {
		w = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
			MaxAge:     s.MaxAgeDays,
			Compress:   s.Compress,
		}
	}
	return log.New(w, prefix, log.LstdFlags), w
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
