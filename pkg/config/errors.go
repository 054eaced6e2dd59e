package config

import "errors"

var (
	ErrReadConfig   = errors.New("read config")
	ErrWriteConfig  = errors.New("write config")
	ErrBackupConfig = errors.New("back up corrupt config")
	ErrPatchConfig  = errors.New("patch config")
)
