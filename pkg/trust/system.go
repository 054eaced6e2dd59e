package trust

import (
	"crypto/x509"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

// Verifier reports whether the operating system accepts cert as a trust
// anchor. A nil error means TLS clients on this machine will trust leaves
// signed by cert.
type Verifier interface {
	Verify(cert *x509.Certificate) error
}

// systemBundles are the CA bundles that distribution refresh tools
// (update-ca-certificates, update-ca-trust, trust extract-compat) write.
var systemBundles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/ssl/cert.pem",
}

// SystemRoots verifies against the machine root bundle. Bundle files are
// re-read on every call: x509.SystemCertPool caches its first load for
// the life of the process, which would hide a root installed moments ago.
type SystemRoots struct {
	// Files are PEM bundles; the first one that exists is used.
	Files []string
	// Fallback is consulted when none of Files exists, e.g. on platforms
	// whose verifier is not file based. nil disables it.
	Fallback func() (*x509.CertPool, error)
}

// DefaultSystemRoots honours SSL_CERT_FILE the same way crypto/x509 does.
func DefaultSystemRoots() *SystemRoots {
	files := systemBundles
	if f := os.Getenv("SSL_CERT_FILE"); f != "" {
		files = []string{f}
	}
	return &SystemRoots{Files: files, Fallback: x509.SystemCertPool}
}

// Pool loads the current system roots.
func (r *SystemRoots) Pool() (*x509.CertPool, error) {
	for _, f := range r.Files {
		data, err := os.ReadFile(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errx.With(ErrStoreIO, ": no certificates in %s", f)
		}
		return pool, nil
	}
	if r.Fallback != nil {
		return r.Fallback()
	}
	return nil, errx.With(ErrStoreIO, ": no system root bundle found")
}

func (r *SystemRoots) Verify(cert *x509.Certificate) error {
	pool, err := r.Pool()
	if err != nil {
		return err
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// SystemAnchor is a directory the distribution's trust tooling reads
// local roots from, and the command that rebuilds the bundle afterwards.
type SystemAnchor struct {
	Dir     string
	Refresh string
}

var systemAnchors = []SystemAnchor{
	{Dir: "/usr/local/share/ca-certificates", Refresh: "update-ca-certificates"},
	{Dir: "/etc/pki/ca-trust/source/anchors", Refresh: "update-ca-trust extract"},
	{Dir: "/etc/ca-certificates/trust-source/anchors", Refresh: "trust extract-compat"},
}

// DetectSystemAnchor returns the first known anchor layout whose
// directory exists and whose refresh tool is on PATH.
func DetectSystemAnchor() (SystemAnchor, bool) {
	return detectAnchor(systemAnchors, dirExists, exec.LookPath)
}

func detectAnchor(candidates []SystemAnchor, exists func(string) bool, lookPath func(string) (string, error)) (SystemAnchor, bool) {
	for _, a := range candidates {
		// The directory itself may not exist until the first local root;
		// its parent tells us which layout the distribution uses.
		if !exists(a.Dir) && !exists(filepath.Dir(a.Dir)) {
			continue
		}
		argv0, _, _ := strings.Cut(a.Refresh, " ")
		if _, err := lookPath(argv0); err != nil {
			continue
		}
		return a, true
	}
	return SystemAnchor{}, false
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
