package history

import "errors"

var (
	ErrOpen   = errors.New("open decision history")
	ErrDecode = errors.New("decode decision event")
	ErrInsert = errors.New("insert decision")
	ErrQuery  = errors.New("query decisions")
	ErrClosed = errors.New("decision history closed")
)
