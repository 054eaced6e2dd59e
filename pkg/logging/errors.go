package logging

import "errors"

var (
	ErrCreateLogFile = errors.New("logging: create log file")
	ErrWriteEvent    = errors.New("logging: write event")
	ErrMarshalData   = errors.New("logging: marshal event data")
	ErrCloseWriter   = errors.New("logging: close writer")
	ErrQueueFull     = errors.New("logging: queue full")
	ErrSinkClosed    = errors.New("logging: sink closed")
	ErrLogLevel      = errors.New("logging: unknown log level")
)
