package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

const (
	certFile = "ca.crt"
	keyFile  = "ca.key"

	// CommonName of generated roots. Also used as the organization.
	CommonName = "metaproxy MITM CA"
)

// DefaultDir returns ~/.metaproxy/mitm.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".metaproxy", "mitm")
}

// RootCA owns the interception root certificate on disk. The pair is
// created on first Materialize and reused on every later start so the
// trust installed for it stays valid.
//
// RootCA also caches the leaf certificates the proxy mints per host.
type RootCA struct {
	dir string

	mu   sync.Mutex
	cert *x509.Certificate
	key  *rsa.PrivateKey

	leaves sync.Map
}

func NewRootCA(dir string) *RootCA {
	if dir == "" {
		dir = DefaultDir()
	}
	return &RootCA{dir: dir}
}

func (ca *RootCA) CertPath() string { return filepath.Join(ca.dir, certFile) }
func (ca *RootCA) KeyPath() string  { return filepath.Join(ca.dir, keyFile) }

// Materialize ensures a usable key pair exists in the directory, loading
// it when present and generating a new one otherwise. An unreadable pair
// is replaced.
func (ca *RootCA) Materialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.cert != nil {
		return nil
	}
	if err := os.MkdirAll(ca.dir, 0700); err != nil {
		return errx.Wrap(ErrCADir, err)
	}

	if _, err := os.Stat(ca.CertPath()); err == nil {
		if err := ca.loadLocked(); err == nil {
			return nil
		}
	}

	if err := ca.generateLocked(); err != nil {
		return err
	}
	return ca.saveLocked()
}

// Load returns the root certificate, reading it from disk if Materialize
// has not run in this process.
func (ca *RootCA) Load() (*x509.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.cert != nil {
		return ca.cert, nil
	}
	if err := ca.loadLocked(); err != nil {
		return nil, err
	}
	return ca.cert, nil
}

// TLSCertificate returns the root pair in the form the proxy engine signs
// leaf certificates with.
func (ca *RootCA) TLSCertificate() (tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.cert == nil || ca.key == nil {
		return tls.Certificate{}, ErrCANotLoaded
	}
	return tls.Certificate{
		Certificate: [][]byte{ca.cert.Raw},
		PrivateKey:  ca.key,
		Leaf:        ca.cert,
	}, nil
}

// CertPEM returns the PEM encoding of the root certificate, or nil when
// it is not loaded.
func (ca *RootCA) CertPEM() []byte {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.cert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// Fetch returns the cached leaf for hostname or mints one with gen.
// It satisfies goproxy.CertStorage.
func (ca *RootCA) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	if cached, ok := ca.leaves.Load(hostname); ok {
		return cached.(*tls.Certificate), nil
	}
	cert, err := gen()
	if err != nil {
		return nil, err
	}
	actual, _ := ca.leaves.LoadOrStore(hostname, cert)
	return actual.(*tls.Certificate), nil
}

func (ca *RootCA) loadLocked() error {
	certPEM, err := os.ReadFile(ca.CertPath())
	if err != nil {
		return errx.Wrap(ErrLoadCA, err)
	}
	keyPEM, err := os.ReadFile(ca.KeyPath())
	if err != nil {
		return errx.Wrap(ErrLoadCA, err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errx.With(ErrLoadCA, ": %w in %s", ErrDecodePEM, ca.CertPath())
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return errx.Wrap(ErrLoadCA, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errx.With(ErrLoadCA, ": %w in %s", ErrDecodePEM, ca.KeyPath())
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return errx.Wrap(ErrLoadCA, err)
	}

	ca.cert, ca.key = cert, key
	return nil
}

func (ca *RootCA) generateLocked() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return errx.Wrap(ErrGenerateCA, err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return errx.Wrap(ErrGenerateCA, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{CommonName},
			CommonName:   CommonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return errx.Wrap(ErrGenerateCA, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return errx.Wrap(ErrGenerateCA, err)
	}

	ca.cert, ca.key = cert, key
	return nil
}

func (ca *RootCA) saveLocked() error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	if err := os.WriteFile(ca.CertPath(), certPEM, 0644); err != nil {
		return errx.Wrap(ErrSaveCA, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ca.key),
	})
	if err := os.WriteFile(ca.KeyPath(), keyPEM, 0600); err != nil {
		return errx.With(ErrSaveCA, " %s: %w", ca.KeyPath(), err)
	}
	return nil
}

func (ca *RootCA) String() string {
	return fmt.Sprintf("RootCA(%s)", ca.dir)
}
