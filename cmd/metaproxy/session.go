package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/history"
	"github.com/jingkaihe/metaproxy/pkg/logging"
	"github.com/jingkaihe/metaproxy/pkg/mitm"
	"github.com/jingkaihe/metaproxy/pkg/trust"
	"github.com/jingkaihe/metaproxy/pkg/version"
)

// session holds the ambient pieces every command shares: the slog
// logger, the event emitter and its sinks.
type session struct {
	runID    string
	logger   *slog.Logger
	emitter  *logging.Emitter
	closeLog func() error
}

type sessionOptions struct {
	withHistory bool
	stderr      io.Writer
}

func openSession(opts sessionOptions) (*session, error) {
	stderr := opts.stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	logger, closeLog, err := logging.NewLogger(logging.LogOptions{
		Level:    viper.GetString("log-level"),
		Format:   viper.GetString("log-format"),
		File:     viper.GetString("log-file"),
		Rotation: logging.Rotation{MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Stderr:   stderr,
	})
	if err != nil {
		return nil, errx.Wrap(ErrSetupLogging, err)
	}

	s := &session{
		runID:    uuid.New().String(),
		closeLog: closeLog,
	}
	s.logger = logger.With("run_id", s.runID)

	var sinks []logging.Sink
	if path := viper.GetString("event-log"); path != "" {
		w, err := logging.NewJSONLWriter(path, logging.Rotation{MaxSizeMB: 100, MaxBackups: 3})
		if err != nil {
			closeLog()
			return nil, errx.Wrap(ErrSetupLogging, err)
		}
		sinks = append(sinks, logging.NewAsyncSink(w, logging.DefaultQueueSize))
	}
	if opts.withHistory && !viper.GetBool("no-history") {
		store, err := history.Open(viper.GetString("history-db"))
		if err != nil {
			for _, sink := range sinks {
				sink.Close()
			}
			closeLog()
			return nil, errx.Wrap(ErrOpenHistory, err)
		}
		sinks = append(sinks, logging.NewAsyncSink(store, logging.DefaultQueueSize))
	}
	if len(sinks) > 0 {
		s.emitter = logging.NewEmitter(logging.EmitterConfig{
			RunID:   s.runID,
			Version: version.Version,
		}, sinks...)
	}
	return s, nil
}

// Close flushes event sinks and then the log output.
func (s *session) Close() error {
	var firstErr error
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Warn("closing event sinks", "error", err)
			firstErr = err
		}
	}
	if err := s.closeLog(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *session) rootCA() *mitm.RootCA {
	return mitm.NewRootCA(viper.GetString("ca-dir"))
}

func (s *session) trustStore() (*trust.DirStore, error) {
	cfg := trustStoreConfig(
		viper.GetString("trust-dir"),
		viper.GetString("trust-root-dir"),
		viper.GetString("trust-refresh"),
		trust.DetectSystemAnchor,
	)
	if cfg.ScopeDirs[trust.ScopeRoot] == "" {
		s.logger.Warn("no system trust anchor directory found; set --trust-root-dir and --trust-refresh")
	}
	cfg.Logger = s.logger
	store, err := trust.NewDirStore(cfg)
	if err != nil {
		return nil, errx.Wrap(ErrTrustStore, err)
	}
	return store, nil
}

// trustStoreConfig points the root scope at the distribution's anchor
// directory unless --trust-root-dir names one. The refresh command follows
// the anchor it belongs to.
func trustStoreConfig(dir, rootDir, refresh string, detect func() (trust.SystemAnchor, bool)) trust.DirStoreConfig {
	cfg := trust.DirStoreConfig{
		Dir:            dir,
		ScopeDirs:      map[trust.Scope]string{},
		RefreshCommand: refresh,
	}
	if rootDir != "" {
		cfg.ScopeDirs[trust.ScopeRoot] = rootDir
		return cfg
	}
	if anchor, ok := detect(); ok {
		cfg.ScopeDirs[trust.ScopeRoot] = anchor.Dir
		if refresh == "" {
			cfg.RefreshCommand = anchor.Refresh
		}
	}
	return cfg
}

func (s *session) bootstrapper(ca *mitm.RootCA, store trust.Store, prompter trust.Prompter) *trust.Bootstrapper {
	var verifier trust.Verifier
	if !viper.GetBool("trust-skip-system-check") {
		verifier = trust.DefaultSystemRoots()
	}
	return trust.NewBootstrapper(trust.BootstrapConfig{
		Source:     ca,
		Store:      store,
		Prompter:   prompter,
		Privileged: trust.IsPrivileged,
		Verifier:   verifier,
		Logger:     s.logger,
		Emitter:    s.emitter,
	})
}

// newPrompter returns a prompter that approves without asking when yes is
// set, and asks on the terminal otherwise.
func newPrompter(yes bool) trust.Prompter {
	if yes {
		return trust.StaticPrompter{Answer: true}
	}
	return trust.NewTerminalPrompter()
}
