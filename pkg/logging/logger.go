package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

// LogOptions configures the process-wide slog logger.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // optional; rotated with Rotation
	Rotation
	Stderr io.Writer // defaults to os.Stderr
}

// NewLogger builds a slog logger that writes to stderr and, when File is
// set, to a rotating log file. Output is queued through an AsyncWriter;
// call the returned close func on shutdown to flush it.
func NewLogger(opts LogOptions) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = opts.Stderr
	if out == nil {
		out = os.Stderr
	}
	var file io.Closer
	if opts.File != "" {
		rotated := opts.Rotation.logger(opts.File)
		out = io.MultiWriter(out, rotated)
		file = rotated
	}
	async := NewAsyncWriter(out, DefaultQueueSize)
	closeFn := func() error {
		err := async.Close()
		if file != nil {
			if cerr := file.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(async, handlerOpts)
	} else {
		handler = slog.NewTextHandler(async, handlerOpts)
	}
	return slog.New(handler), closeFn, nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errx.With(ErrLogLevel, " %q", s)
}
