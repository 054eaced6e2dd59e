package storedb

import "errors"

var (
	ErrOpen    = errors.New("open store database")
	ErrMigrate = errors.New("migrate store database")
)
