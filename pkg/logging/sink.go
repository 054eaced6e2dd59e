package logging

// Sink receives events from an Emitter. Write may be called from any
// goroutine that makes a decision, so implementations must be safe for
// concurrent use. Wrap slow sinks (files, SQLite) in an AsyncSink.
type Sink interface {
	Write(event *Event) error
	Close() error
}
