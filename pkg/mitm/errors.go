package mitm

import "errors"

var (
	ErrCADir       = errors.New("create CA directory")
	ErrGenerateCA  = errors.New("generate CA")
	ErrSaveCA      = errors.New("save CA")
	ErrLoadCA      = errors.New("load CA")
	ErrDecodePEM   = errors.New("decode PEM block")
	ErrCANotLoaded = errors.New("CA not materialized")
)
