package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

// DefaultDir returns ~/.metaproxy/trust.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".metaproxy", "trust")
}

type DirStoreConfig struct {
	// Dir holds one subdirectory per scope.
	Dir string
	// ScopeDirs overrides the directory of individual scopes, e.g. the
	// root scope pointing at /usr/local/share/ca-certificates.
	ScopeDirs map[Scope]string
	// RefreshCommand runs after a certificate is added to ScopeRoot,
	// e.g. "update-ca-certificates". Parsed with shell quoting rules.
	RefreshCommand string

	Logger *slog.Logger
}

// DirStore is a Store backed by PEM files, one directory per scope.
// Certificates are written as <FINGERPRINT>.crt.
type DirStore struct {
	dirs    map[Scope]string
	refresh []string
	logger  *slog.Logger

	// runCommand is replaced in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDirStore(cfg DirStoreConfig) (*DirStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.Dir
	if base == "" {
		base = DefaultDir()
	}

	s := &DirStore{
		dirs:       make(map[Scope]string, len(InstallScopes)),
		logger:     logger.With("component", "truststore"),
		runCommand: runCommand,
	}
	for _, scope := range InstallScopes {
		s.dirs[scope] = filepath.Join(base, string(scope))
		if d := cfg.ScopeDirs[scope]; d != "" {
			s.dirs[scope] = d
		}
	}

	if strings.TrimSpace(cfg.RefreshCommand) != "" {
		argv, err := shellquote.Split(cfg.RefreshCommand)
		if err != nil {
			return nil, errx.With(ErrRefreshCommand, " %q: %w", cfg.RefreshCommand, err)
		}
		s.refresh = argv
	}
	return s, nil
}

// Dir returns the directory backing scope.
func (s *DirStore) Dir(scope Scope) string {
	return s.dirs[scope]
}

func (s *DirStore) Enumerate(ctx context.Context, scope Scope) ([]*x509.Certificate, error) {
	dir, ok := s.dirs[scope]
	if !ok {
		return nil, errx.With(ErrUnknownScope, " %q", scope)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}

	var certs []*x509.Certificate
	for _, e := range entries {
		if e.IsDir() || !isCertFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, storeErr(err)
		}
		parsed := parsePEMCertificates(data)
		if len(parsed) == 0 {
			s.logger.Debug("skipping file without certificates", "path", path)
		}
		certs = append(certs, parsed...)
	}
	return certs, nil
}

// Add writes cert into scope atomically. Adding to ScopeRoot runs the
// refresh command when one is configured.
func (s *DirStore) Add(ctx context.Context, scope Scope, cert *x509.Certificate) error {
	dir, ok := s.dirs[scope]
	if !ok {
		return errx.With(ErrUnknownScope, " %q", scope)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return storeErr(err)
	}

	tmp, err := os.CreateTemp(dir, ".metaproxy-*.tmp")
	if err != nil {
		return storeErr(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := pem.Encode(tmp, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		tmp.Close()
		return storeErr(err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return storeErr(err)
	}
	if err := tmp.Close(); err != nil {
		return storeErr(err)
	}

	dest := filepath.Join(dir, Fingerprint(cert)+".crt")
	if err := os.Rename(tmpName, dest); err != nil {
		return storeErr(err)
	}
	s.logger.Debug("certificate written", "scope", scope, "path", dest)

	if scope == ScopeRoot && len(s.refresh) > 0 {
		out, err := s.runCommand(ctx, s.refresh[0], s.refresh[1:]...)
		if err != nil {
			return errx.With(ErrRefreshCommand, " %s: %w: %s", s.refresh[0], err, strings.TrimSpace(string(out)))
		}
		s.logger.Info("trust store refreshed", "command", s.refresh[0])
	}
	return nil
}

func storeErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return errx.Wrap(ErrTrustStoreAccessDenied, err)
	}
	return errx.Wrap(ErrStoreIO, err)
}

func isCertFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".crt", ".pem", ".cer":
		return true
	}
	return false
}

func parsePEMCertificates(data []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return certs
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
