package trust

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/logging"
)

// Outcome is the terminal state of a bootstrap run.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeDeclined
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeDeclined:
		return "declined"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Result reports what a bootstrap run did.
type Result struct {
	Outcome     Outcome
	Fingerprint string
	Prompted    bool
	Installed   []Scope
	Err         error
}

type BootstrapConfig struct {
	Source   CertificateSource
	Store    Store
	Prompter Prompter

	// Privileged reports whether the process may write machine stores.
	// When it returns false the install is still attempted.
	Privileged func() bool

	// Verifier, when set, must also accept the root before the run is
	// Ready. A root present in ScopeRoot that the system rejects is
	// re-added so the store's refresh step runs again.
	Verifier Verifier

	Logger  *slog.Logger
	Emitter *logging.Emitter
}

// Bootstrapper makes sure the interception root is trusted by the machine
// before any traffic is decrypted. Runs are synchronous; a Bootstrapper
// is not meant to be shared between goroutines.
type Bootstrapper struct {
	source     CertificateSource
	store      Store
	prompter   Prompter
	privileged func() bool
	verifier   Verifier
	logger     *slog.Logger
	emitter    *logging.Emitter
}

func NewBootstrapper(cfg BootstrapConfig) *Bootstrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		source:     cfg.Source,
		store:      cfg.Store,
		prompter:   cfg.Prompter,
		privileged: cfg.Privileged,
		verifier:   cfg.Verifier,
		logger:     logger.With("component", "trust"),
		emitter:    cfg.Emitter,
	}
}

// Run drives the bootstrap to Ready, Declined or Failed. The returned
// Result is never nil; the error is nil only for OutcomeReady.
//
// The prompt is shown only when the root is missing from ScopeRoot. A
// declined prompt leaves the store untouched. ctx is checked before every
// insert so cancellation during the prompt never modifies the store.
func (b *Bootstrapper) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	if err := b.source.Materialize(); err != nil {
		return b.fail(res, errx.Wrap(ErrCertificateUnavailable, err))
	}
	cert, err := b.source.Load()
	if err != nil {
		return b.fail(res, errx.Wrap(ErrCertificateUnavailable, err))
	}
	if cert == nil {
		return b.fail(res, errx.With(ErrCertificateUnavailable, ": source returned no certificate"))
	}
	res.Fingerprint = Fingerprint(cert)
	b.logger.Debug("root certificate loaded", "subject", cert.Subject.CommonName, "fingerprint", res.Fingerprint)

	trusted, err := b.rooted(ctx, cert, res.Fingerprint)
	if err != nil {
		return b.fail(res, classify(err))
	}
	if trusted {
		b.logger.Info("root certificate already trusted", "fingerprint", res.Fingerprint)
		return b.finish(res, OutcomeReady, nil)
	}

	res.Prompted = true
	ok, err := b.prompter.Confirm(ctx, confirmMessage(cert.Subject.CommonName, res.Fingerprint))
	if err != nil {
		return b.fail(res, err)
	}
	if !ok {
		b.logger.Warn("operator declined root certificate install", "fingerprint", res.Fingerprint)
		return b.finish(res, OutcomeDeclined, ErrUserDeclinedTrust)
	}

	if b.privileged != nil && !b.privileged() {
		b.logger.Warn("not running with administrator privileges; install may be rejected")
	}

	for _, scope := range InstallScopes {
		if err := ctx.Err(); err != nil {
			return b.fail(res, err)
		}
		present, err := Contains(ctx, b.store, scope, res.Fingerprint)
		if err != nil {
			return b.fail(res, classify(err))
		}
		if present && (scope != ScopeRoot || b.verifier == nil) {
			b.logger.Debug("certificate already in scope", "scope", scope)
			continue
		}
		if err := b.store.Add(ctx, scope, cert); err != nil {
			return b.fail(res, classify(err))
		}
		res.Installed = append(res.Installed, scope)
		b.logger.Info("certificate installed", "scope", scope, "fingerprint", res.Fingerprint)
	}

	trusted, err = b.rooted(ctx, cert, res.Fingerprint)
	if err != nil {
		return b.fail(res, classify(err))
	}
	if !trusted {
		return b.fail(res, errx.With(ErrTrustNotEstablished, " (fingerprint %s)", res.Fingerprint))
	}

	b.logger.Info("root certificate trusted", "fingerprint", res.Fingerprint)
	return b.finish(res, OutcomeReady, nil)
}

// rooted reports whether ScopeRoot holds the certificate and the
// verifier, if any, accepts it.
func (b *Bootstrapper) rooted(ctx context.Context, cert *x509.Certificate, fingerprint string) (bool, error) {
	ok, err := Contains(ctx, b.store, ScopeRoot, fingerprint)
	if err != nil || !ok {
		return false, err
	}
	if b.verifier == nil {
		return true, nil
	}
	if err := b.verifier.Verify(cert); err != nil {
		b.logger.Warn("root certificate in store but not accepted by the system", "fingerprint", fingerprint, "error", err)
		return false, nil
	}
	return true, nil
}

// ScopeStatus is whether the root is present in one scope.
type ScopeStatus struct {
	Scope     Scope
	Installed bool
}

// Status describes the root certificate and where it is installed.
type Status struct {
	Subject     string
	Fingerprint string
	Path        string
	Scopes      []ScopeStatus

	// SystemChecked is set when a Verifier ran; SystemErr is its verdict.
	SystemChecked bool
	SystemErr     error
}

// Trusted reports whether the root is present in ScopeRoot and, when a
// verifier ran, accepted by the system.
func (s *Status) Trusted() bool {
	if s.SystemChecked && s.SystemErr != nil {
		return false
	}
	for _, sc := range s.Scopes {
		if sc.Scope == ScopeRoot {
			return sc.Installed
		}
	}
	return false
}

// Status inspects the stores without prompting or installing. The root is
// not generated if missing.
func (b *Bootstrapper) Status(ctx context.Context) (*Status, error) {
	cert, err := b.source.Load()
	if err != nil {
		return nil, errx.Wrap(ErrCertificateUnavailable, err)
	}
	if cert == nil {
		return nil, errx.With(ErrCertificateUnavailable, ": source returned no certificate")
	}

	st := &Status{
		Subject:     cert.Subject.CommonName,
		Fingerprint: Fingerprint(cert),
	}
	if p, ok := b.source.(interface{ CertPath() string }); ok {
		st.Path = p.CertPath()
	}
	for _, scope := range InstallScopes {
		ok, err := Contains(ctx, b.store, scope, st.Fingerprint)
		if err != nil {
			return nil, classify(err)
		}
		st.Scopes = append(st.Scopes, ScopeStatus{Scope: scope, Installed: ok})
	}
	if b.verifier != nil {
		st.SystemChecked = true
		st.SystemErr = b.verifier.Verify(cert)
	}
	return st, nil
}

func (b *Bootstrapper) fail(res *Result, err error) (*Result, error) {
	b.logger.Error("trust bootstrap failed", "fingerprint", res.Fingerprint, "error", err)
	return b.finish(res, OutcomeFailed, err)
}

func (b *Bootstrapper) finish(res *Result, outcome Outcome, err error) (*Result, error) {
	res.Outcome = outcome
	res.Err = err

	if b.emitter != nil {
		data := &logging.TrustBootstrapData{
			Outcome:     outcome.String(),
			Fingerprint: res.Fingerprint,
			Prompted:    res.Prompted,
		}
		for _, s := range res.Installed {
			data.Installed = append(data.Installed, string(s))
		}
		if err != nil {
			data.Error = err.Error()
		}
		_ = b.emitter.Emit(logging.EventTrustBootstrap, "trust bootstrap "+outcome.String(), "trust", nil, data)
	}
	return res, err
}

func confirmMessage(subject, fingerprint string) string {
	return fmt.Sprintf("Install root certificate %q (SHA-1 %s) into the machine trust store?", subject, fingerprint)
}

func classify(err error) error {
	if errors.Is(err, ErrTrustStoreAccessDenied) {
		return err
	}
	if errors.Is(err, fs.ErrPermission) {
		return errx.Wrap(ErrTrustStoreAccessDenied, err)
	}
	return err
}
