package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

// Rotation controls when an event or log file is rolled over.
// Zero values fall back to lumberjack's defaults (100 MB, keep all).
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r Rotation) logger(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
}

// JSONLWriter writes events as JSON-L to a size-rotated file.
// It implements Sink and is safe for concurrent use.
type JSONLWriter struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// NewJSONLWriter appends events to path, creating parent directories.
// The file itself is opened on the first write.
func NewJSONLWriter(path string, rot Rotation) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	out := rot.logger(path)
	return &JSONLWriter{
		out: out,
		enc: json.NewEncoder(out),
	}, nil
}

func (w *JSONLWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(event); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.out.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
