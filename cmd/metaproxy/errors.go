package main

import "errors"

var (
	ErrLoadConfig     = errors.New("load config")
	ErrConfigExists   = errors.New("config file already exists")
	ErrSetupLogging   = errors.New("set up logging")
	ErrOpenHistory    = errors.New("open decision history")
	ErrTrustBootstrap = errors.New("trust bootstrap")
	ErrTrustStore     = errors.New("open trust store")
	ErrStartProxy     = errors.New("start proxy")
	ErrLoadCA         = errors.New("load interception root")
)
