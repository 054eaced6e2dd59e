package main

import (
	"context"
	"time"
)

// closeContext returns a context for proxy shutdown.
//
// timeout <= 0 means no deadline: in-flight requests are waited for.
func closeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
