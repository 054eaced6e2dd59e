package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, path string, certs ...*x509.Certificate) {
	t.Helper()
	var data []byte
	for _, c := range certs {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestSystemRoots_Verify(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "ca-certificates.crt")
	other := newTestCert(t, "other")
	cert := newTestCert(t, "root")
	writeBundle(t, bundle, other)

	roots := &SystemRoots{Files: []string{filepath.Join(dir, "missing.pem"), bundle}}
	require.NoError(t, roots.Verify(other))
	assert.Error(t, roots.Verify(cert))

	// Re-read on every call: a root added to the bundle is seen at once.
	writeBundle(t, bundle, other, cert)
	assert.NoError(t, roots.Verify(cert))
}

func TestSystemRoots_NoBundle(t *testing.T) {
	roots := &SystemRoots{Files: []string{filepath.Join(t.TempDir(), "missing.pem")}}
	_, err := roots.Pool()
	assert.ErrorIs(t, err, ErrStoreIO)

	fallbackCalled := false
	roots.Fallback = func() (*x509.CertPool, error) {
		fallbackCalled = true
		return nil, errBoom
	}
	_, err = roots.Pool()
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, fallbackCalled)
}

func TestSystemRoots_EmptyBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, os.WriteFile(bundle, []byte("not pem"), 0644))

	_, err := (&SystemRoots{Files: []string{bundle}}).Pool()
	assert.ErrorIs(t, err, ErrStoreIO)
}

func TestDefaultSystemRoots_HonoursSSLCertFile(t *testing.T) {
	t.Setenv("SSL_CERT_FILE", "/custom/bundle.pem")
	assert.Equal(t, []string{"/custom/bundle.pem"}, DefaultSystemRoots().Files)
}

// A private directory store alone never makes the run Ready: the root
// has to reach the system bundle too.
func TestBootstrap_PrivateStoreNeedsSystemBundle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	bundle := filepath.Join(t.TempDir(), "ca-certificates.crt")
	writeBundle(t, bundle, newTestCert(t, "unrelated"))

	store, err := NewDirStore(DirStoreConfig{})
	require.NoError(t, err)
	cert := newTestCert(t, "root")

	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    store,
		Prompter: StaticPrompter{Answer: true},
		Verifier: &SystemRoots{Files: []string{bundle}},
	})
	res, err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrTrustNotEstablished)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []Scope{ScopePersonal, ScopeRoot}, res.Installed)

	ok, err := Contains(context.Background(), store, ScopeRoot, Fingerprint(cert))
	require.NoError(t, err)
	assert.True(t, ok, "written to the private directory but still not trusted")
}

func TestBootstrap_RefreshReachesSystemBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "ca-certificates.crt")
	unrelated := newTestCert(t, "unrelated")
	writeBundle(t, bundle, unrelated)

	anchors := t.TempDir()
	store, err := NewDirStore(DirStoreConfig{
		Dir:            t.TempDir(),
		ScopeDirs:      map[Scope]string{ScopeRoot: anchors},
		RefreshCommand: "update-ca-certificates",
	})
	require.NoError(t, err)
	cert := newTestCert(t, "root")

	// Stand-in for update-ca-certificates: rebuild the bundle from the
	// anchor directory.
	var refreshes int
	store.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		refreshes++
		certs, err := store.Enumerate(ctx, ScopeRoot)
		if err != nil {
			return nil, err
		}
		writeBundle(t, bundle, append([]*x509.Certificate{unrelated}, certs...)...)
		return nil, nil
	}

	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    store,
		Prompter: StaticPrompter{Answer: true},
		Verifier: &SystemRoots{Files: []string{bundle}},
	})
	res, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.Equal(t, 1, refreshes)
	_, statErr := os.Stat(filepath.Join(anchors, Fingerprint(cert)+".crt"))
	assert.NoError(t, statErr)
}

func TestDetectAnchor(t *testing.T) {
	dirs := map[string]bool{}
	tools := map[string]bool{}
	exists := func(p string) bool { return dirs[p] }
	lookPath := func(name string) (string, error) {
		if tools[name] {
			return "/usr/sbin/" + name, nil
		}
		return "", errors.New("not found")
	}

	_, ok := detectAnchor(systemAnchors, exists, lookPath)
	assert.False(t, ok)

	// Parent present but tool missing: a RHEL box has /usr/local/share too.
	dirs["/usr/local/share"] = true
	dirs["/etc/pki/ca-trust/source"] = true
	tools["update-ca-trust"] = true
	a, ok := detectAnchor(systemAnchors, exists, lookPath)
	require.True(t, ok)
	assert.Equal(t, "/etc/pki/ca-trust/source/anchors", a.Dir)
	assert.Equal(t, "update-ca-trust extract", a.Refresh)

	tools["update-ca-certificates"] = true
	a, ok = detectAnchor(systemAnchors, exists, lookPath)
	require.True(t, ok)
	assert.Equal(t, "/usr/local/share/ca-certificates", a.Dir)
}
