package proxy

import "errors"

var (
	ErrListen         = errors.New("proxy listen failed")
	ErrAlreadyStarted = errors.New("proxy already started")
	ErrNotStarted     = errors.New("proxy not started")
	ErrShutdown       = errors.New("proxy shutdown failed")
	ErrLoadCA         = errors.New("load interception CA")
	ErrDecisionPanic  = errors.New("request decision panicked")
)
