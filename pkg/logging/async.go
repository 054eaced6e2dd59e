package logging

import (
	"io"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the backlog of AsyncSink and AsyncWriter.
const DefaultQueueSize = 1024

// AsyncSink queues events for a wrapped sink on a single goroutine.
// Write never blocks: when the queue is full the event is dropped and
// counted.
type AsyncSink struct {
	next    Sink
	queue   chan *Event
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewAsyncSink(next Sink, size int) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan *Event, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.queue {
		_ = s.next.Write(event)
	}
}

func (s *AsyncSink) Write(event *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- event:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close drains queued events into the wrapped sink, then closes it.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.next.Close()
}

// AsyncWriter is the io.Writer counterpart of AsyncSink, used under slog
// handlers so request handling never waits on log I/O. Each Write is
// copied and queued; a full queue drops the line.
type AsyncWriter struct {
	next    io.Writer
	queue   chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewAsyncWriter(next io.Writer, size int) *AsyncWriter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &AsyncWriter{
		next:  next,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for line := range w.queue {
		_, _ = w.next.Write(line)
	}
}

func (w *AsyncWriter) Write(p []byte) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0, ErrSinkClosed
	}
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case w.queue <- line:
	default:
		w.dropped.Add(1)
	}
	// Report success either way so slog does not surface drops as errors.
	return len(p), nil
}

func (w *AsyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Close flushes queued lines. The wrapped writer is left open.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return nil
}
