package trust

import "errors"

var (
	ErrCertificateUnavailable = errors.New("root certificate unavailable")
	ErrTrustStoreAccessDenied = errors.New("trust store access denied")
	ErrUserDeclinedTrust      = errors.New("user declined to trust the root certificate")
	ErrTrustNotEstablished    = errors.New("root certificate not trusted after install")
	ErrNonInteractive         = errors.New("no terminal to confirm trust on")
	ErrStoreIO                = errors.New("trust store I/O failed")
	ErrRefreshCommand         = errors.New("trust store refresh command failed")
	ErrUnknownScope           = errors.New("unknown trust scope")
)
