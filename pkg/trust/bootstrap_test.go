package trust

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/metaproxy/pkg/logging"
)

type captureSink struct {
	mu     sync.Mutex
	events []*logging.Event
}

func (s *captureSink) Write(e *logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error { return nil }

func newBootstrapper(src CertificateSource, store Store, p Prompter) *Bootstrapper {
	return NewBootstrapper(BootstrapConfig{Source: src, Store: store, Prompter: p})
}

func TestBootstrap_AlreadyTrusted(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.certs[ScopeRoot] = append(store.certs[ScopeRoot], cert)
	prompter := &recordingPrompter{answer: true}

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, prompter).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.False(t, res.Prompted)
	assert.Equal(t, 0, prompter.calls)
	assert.Empty(t, store.adds)
	assert.Equal(t, Fingerprint(cert), res.Fingerprint)
}

func TestBootstrap_InstallsIntoBothScopes(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	prompter := &recordingPrompter{answer: true}

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, prompter).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.True(t, res.Prompted)
	assert.Equal(t, 1, prompter.calls)
	assert.Contains(t, prompter.message, Fingerprint(cert))
	assert.Equal(t, []Scope{ScopePersonal, ScopeRoot}, store.adds)
	assert.Equal(t, []Scope{ScopePersonal, ScopeRoot}, res.Installed)
}

func TestBootstrap_SkipsScopeAlreadyHoldingCert(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.certs[ScopePersonal] = append(store.certs[ScopePersonal], cert)

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, &recordingPrompter{answer: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Scope{ScopeRoot}, store.adds)
	assert.Equal(t, []Scope{ScopeRoot}, res.Installed)
}

func TestBootstrap_Declined(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, &recordingPrompter{answer: false}).Run(context.Background())
	assert.ErrorIs(t, err, ErrUserDeclinedTrust)
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.True(t, res.Prompted)
	assert.Empty(t, store.adds, "declined bootstrap must not touch the store")
}

func TestBootstrap_NotEstablishedIsDistinctFromDecline(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.dropRoot = true

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, &recordingPrompter{answer: true}).Run(context.Background())
	assert.ErrorIs(t, err, ErrTrustNotEstablished)
	assert.NotErrorIs(t, err, ErrUserDeclinedTrust)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []Scope{ScopePersonal, ScopeRoot}, store.adds)
}

func TestBootstrap_AccessDenied(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.addErr = &fs.PathError{Op: "open", Path: "/etc/ssl/x", Err: fs.ErrPermission}

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, &recordingPrompter{answer: true}).Run(context.Background())
	assert.ErrorIs(t, err, ErrTrustStoreAccessDenied)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestBootstrap_EnumerateFailure(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.enumErr = errBoom
	prompter := &recordingPrompter{answer: true}

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, prompter).Run(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, prompter.calls)
}

func TestBootstrap_CertificateUnavailable(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeSource
	}{
		{"materialize fails", &fakeSource{materializeErr: errBoom}},
		{"load fails", &fakeSource{loadErr: errBoom}},
		{"load returns nil", &fakeSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			prompter := &recordingPrompter{answer: true}

			res, err := newBootstrapper(tt.src, store, prompter).Run(context.Background())
			assert.ErrorIs(t, err, ErrCertificateUnavailable)
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, 0, prompter.calls)
			assert.Empty(t, store.adds)
		})
	}
}

func TestBootstrap_CancelledDuringPrompt(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prompter := &recordingPrompter{answer: true, onAsk: cancel}

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, prompter).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, store.adds)
}

// approveThenCancel approves the prompt but cancels the context, so only
// the pre-insert check can stop the install.
type approveThenCancel struct{ cancel context.CancelFunc }

func (p approveThenCancel) Confirm(context.Context, string) (bool, error) {
	p.cancel()
	return true, nil
}

func TestBootstrap_ContextCheckedBeforeInsert(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := newBootstrapper(&fakeSource{cert: cert}, store, approveThenCancel{cancel}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, store.adds)
}

func TestBootstrap_NonInteractive(t *testing.T) {
	cert := newTestCert(t, "root")

	res, err := newBootstrapper(&fakeSource{cert: cert}, newMemStore(), &recordingPrompter{err: ErrNonInteractive}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNonInteractive)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestBootstrap_WarnsWhenUnprivileged(t *testing.T) {
	cert := newTestCert(t, "root")
	called := false
	b := NewBootstrapper(BootstrapConfig{
		Source:     &fakeSource{cert: cert},
		Store:      newMemStore(),
		Prompter:   &recordingPrompter{answer: true},
		Privileged: func() bool { called = true; return false },
	})

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.True(t, called)
}

func TestBootstrap_EmitsOutcomeEvent(t *testing.T) {
	cert := newTestCert(t, "root")
	sink := &captureSink{}
	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    newMemStore(),
		Prompter: &recordingPrompter{answer: false},
		Emitter:  logging.NewEmitter(logging.EmitterConfig{RunID: "r"}, sink),
	})

	_, err := b.Run(context.Background())
	require.Error(t, err)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, logging.EventTrustBootstrap, ev.EventType)

	var data logging.TrustBootstrapData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "declined", data.Outcome)
	assert.True(t, data.Prompted)
	assert.Equal(t, Fingerprint(cert), data.Fingerprint)
	assert.Contains(t, data.Error, "declined")
}

type pathSource struct {
	fakeSource
	path string
}

func (s *pathSource) CertPath() string { return s.path }

func TestBootstrap_Status(t *testing.T) {
	cert := newTestCert(t, "metaproxy root")
	store := newMemStore()
	store.certs[ScopePersonal] = append(store.certs[ScopePersonal], cert)

	b := newBootstrapper(&pathSource{fakeSource: fakeSource{cert: cert}, path: "/tmp/ca.crt"}, store, nil)
	st, err := b.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "metaproxy root", st.Subject)
	assert.Equal(t, "/tmp/ca.crt", st.Path)
	assert.Equal(t, []ScopeStatus{
		{Scope: ScopePersonal, Installed: true},
		{Scope: ScopeRoot, Installed: false},
	}, st.Scopes)
	assert.False(t, st.Trusted())
}

func TestBootstrap_StatusWithoutCertificate(t *testing.T) {
	b := newBootstrapper(&fakeSource{loadErr: fmt.Errorf("missing")}, newMemStore(), nil)
	_, err := b.Status(context.Background())
	assert.ErrorIs(t, err, ErrCertificateUnavailable)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", OutcomeReady.String())
	assert.Equal(t, "declined", OutcomeDeclined.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}

type fakeVerifier struct {
	accepted map[string]bool
	calls    int
}

func (v *fakeVerifier) Verify(cert *x509.Certificate) error {
	v.calls++
	if v.accepted[Fingerprint(cert)] {
		return nil
	}
	return x509.UnknownAuthorityError{Cert: cert}
}

func TestBootstrap_VerifierRejectsStoredRoot(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.certs[ScopePersonal] = append(store.certs[ScopePersonal], cert)
	store.certs[ScopeRoot] = append(store.certs[ScopeRoot], cert)
	prompter := &recordingPrompter{answer: true}
	verifier := &fakeVerifier{}

	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    store,
		Prompter: prompter,
		Verifier: verifier,
	})
	res, err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrTrustNotEstablished)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Prompted, "a root the system rejects is not trusted")
	assert.Equal(t, []Scope{ScopeRoot}, store.adds, "root is re-added so the refresh step runs again")
	assert.Equal(t, 2, verifier.calls)
}

func TestBootstrap_VerifierAcceptsAfterInstall(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	verifier := &fakeVerifier{accepted: map[string]bool{}}
	prompter := &recordingPrompter{answer: true}
	prompter.onAsk = func() { verifier.accepted[Fingerprint(cert)] = true }

	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    store,
		Prompter: prompter,
		Verifier: verifier,
	})
	res, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.Equal(t, []Scope{ScopePersonal, ScopeRoot}, res.Installed)
}

func TestBootstrap_VerifierAcceptedSkipsPrompt(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.certs[ScopeRoot] = append(store.certs[ScopeRoot], cert)
	prompter := &recordingPrompter{answer: true}

	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    store,
		Prompter: prompter,
		Verifier: &fakeVerifier{accepted: map[string]bool{Fingerprint(cert): true}},
	})
	res, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.Equal(t, 0, prompter.calls)
}

func TestBootstrap_StatusReportsSystemRejection(t *testing.T) {
	cert := newTestCert(t, "root")
	store := newMemStore()
	store.certs[ScopeRoot] = append(store.certs[ScopeRoot], cert)

	b := NewBootstrapper(BootstrapConfig{
		Source:   &fakeSource{cert: cert},
		Store:    store,
		Verifier: &fakeVerifier{},
	})
	st, err := b.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.SystemChecked)
	assert.Error(t, st.SystemErr)
	assert.False(t, st.Trusted())
}
