package api

import "errors"

var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrMalformedRequestURI = errors.New("malformed request URI")
)
