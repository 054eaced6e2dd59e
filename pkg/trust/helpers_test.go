package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

type fakeSource struct {
	cert           *x509.Certificate
	materializeErr error
	loadErr        error
}

func (s *fakeSource) Materialize() error { return s.materializeErr }

func (s *fakeSource) Load() (*x509.Certificate, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.cert, nil
}

type memStore struct {
	mu      sync.Mutex
	certs   map[Scope][]*x509.Certificate
	adds    []Scope
	addErr  error
	enumErr error

	// dropRoot accepts adds to ScopeRoot without storing them, like an OS
	// store that silently ignores an unprivileged insert.
	dropRoot bool
}

func newMemStore() *memStore {
	return &memStore{certs: map[Scope][]*x509.Certificate{}}
}

func (s *memStore) Enumerate(ctx context.Context, scope Scope) ([]*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enumErr != nil {
		return nil, s.enumErr
	}
	return append([]*x509.Certificate(nil), s.certs[scope]...), nil
}

func (s *memStore) Add(ctx context.Context, scope Scope, cert *x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.adds = append(s.adds, scope)
	if scope == ScopeRoot && s.dropRoot {
		return nil
	}
	s.certs[scope] = append(s.certs[scope], cert)
	return nil
}

type recordingPrompter struct {
	answer  bool
	err     error
	calls   int
	message string
	onAsk   func()
}

func (p *recordingPrompter) Confirm(ctx context.Context, message string) (bool, error) {
	p.calls++
	p.message = message
	if p.onAsk != nil {
		p.onAsk()
	}
	if p.err != nil {
		return false, p.err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.answer, nil
}

var errBoom = errors.New("boom")
