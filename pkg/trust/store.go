package trust

import (
	"context"
	"crypto/x509"
)

// Scope names a certificate store location.
type Scope string

const (
	// ScopePersonal holds certificates owned by the machine.
	ScopePersonal Scope = "personal"
	// ScopeRoot holds the machine's trusted root authorities.
	ScopeRoot Scope = "root"
)

// InstallScopes is the order certificates are installed in.
var InstallScopes = []Scope{ScopePersonal, ScopeRoot}

// Store is a machine certificate store.
type Store interface {
	// Enumerate returns the certificates currently held in scope.
	Enumerate(ctx context.Context, scope Scope) ([]*x509.Certificate, error)
	// Add inserts cert into scope.
	Add(ctx context.Context, scope Scope, cert *x509.Certificate) error
}

// CertificateSource provides the interception root certificate.
type CertificateSource interface {
	// Materialize creates the certificate if it does not exist yet.
	Materialize() error
	Load() (*x509.Certificate, error)
}

// Prompter asks the operator for consent.
type Prompter interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// Contains reports whether scope holds a certificate with the given
// fingerprint.
func Contains(ctx context.Context, store Store, scope Scope, fingerprint string) (bool, error) {
	certs, err := store.Enumerate(ctx, scope)
	if err != nil {
		return false, err
	}
	for _, c := range certs {
		if SameFingerprint(Fingerprint(c), fingerprint) {
			return true, nil
		}
	}
	return false, nil
}
