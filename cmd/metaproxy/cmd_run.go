package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/api"
	"github.com/jingkaihe/metaproxy/pkg/config"
	"github.com/jingkaihe/metaproxy/pkg/policy"
	"github.com/jingkaihe/metaproxy/pkg/proxy"
	"github.com/jingkaihe/metaproxy/pkg/trust"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bootstrap trust and start the intercepting proxy",
	Long: `Load config.json, make sure the interception root is trusted, and serve
the proxy until SIGINT or SIGTERM.

Flags override config.json for this run only; the file is not rewritten.`,
	Example: `  metaproxy run
  metaproxy run --port 8899 --redirect-port 5000
  metaproxy run --target-domain example.com --target-domain example.org
  metaproxy run --yes --trust-root-dir /usr/local/share/ca-certificates --trust-refresh update-ca-certificates`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("port", 0, "Proxy listen port (overrides proxyPort)")
	runCmd.Flags().String("listen-host", proxy.DefaultListenHost, "Proxy listen address")
	runCmd.Flags().String("redirect-host", "", "Redirect target host (overrides redirectHost)")
	runCmd.Flags().Int("redirect-port", 0, "Redirect target port (overrides redirectPort)")
	runCmd.Flags().StringSlice("target-domain", nil, "Monitored domain (can be repeated, overrides targetDomains)")
	runCmd.Flags().BoolP("yes", "y", false, "Install the interception root without asking")
	runCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "How long to wait for in-flight requests on shutdown (0 waits indefinitely)")

	viper.BindPFlag("run.port", runCmd.Flags().Lookup("port"))
	viper.BindPFlag("run.listen-host", runCmd.Flags().Lookup("listen-host"))
	viper.BindPFlag("run.redirect-host", runCmd.Flags().Lookup("redirect-host"))
	viper.BindPFlag("run.redirect-port", runCmd.Flags().Lookup("redirect-port"))
	viper.BindPFlag("run.target-domain", runCmd.Flags().Lookup("target-domain"))
	viper.BindPFlag("run.yes", runCmd.Flags().Lookup("yes"))
	viper.BindPFlag("run.shutdown-timeout", runCmd.Flags().Lookup("shutdown-timeout"))

	rootCmd.AddCommand(runCmd)
}

// overrides are per-run replacements for config.json fields. Zero values
// leave the loaded field alone.
type overrides struct {
	ProxyPort     int
	RedirectHost  string
	RedirectPort  int
	TargetDomains []string
}

func overridesFromViper() overrides {
	return overrides{
		ProxyPort:     viper.GetInt("run.port"),
		RedirectHost:  viper.GetString("run.redirect-host"),
		RedirectPort:  viper.GetInt("run.redirect-port"),
		TargetDomains: viper.GetStringSlice("run.target-domain"),
	}
}

// apply returns a copy of cfg with the overrides applied and normalized.
func (o overrides) apply(cfg *api.ProxyConfig) (*api.ProxyConfig, []api.Correction) {
	out := cfg.Clone()
	if o.ProxyPort != 0 {
		out.ProxyPort = o.ProxyPort
	}
	if o.RedirectHost != "" {
		out.RedirectHost = o.RedirectHost
	}
	if o.RedirectPort != 0 {
		out.RedirectPort = o.RedirectPort
	}
	if len(o.TargetDomains) > 0 {
		out.TargetDomains = append([]string(nil), o.TargetDomains...)
	}
	return out, out.Normalize()
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := openSession(sessionOptions{withHistory: true, stderr: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer s.Close()

	loaded, err := config.Load(viper.GetString("config"), s.logger)
	if err != nil {
		return errx.Wrap(ErrLoadConfig, err)
	}
	cfg, fixed := overridesFromViper().apply(loaded.Config)
	for _, f := range fixed {
		s.logger.Warn("flag override corrected", "field", f.Field, "value", f.Value)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ca := s.rootCA()
	store, err := s.trustStore()
	if err != nil {
		return err
	}
	res, err := s.bootstrapper(ca, store, newPrompter(viper.GetBool("run.yes"))).Run(ctx)
	if err != nil {
		if errors.Is(err, trust.ErrUserDeclinedTrust) {
			fmt.Fprintln(cmd.ErrOrStderr(), "The interception root was not trusted; HTTPS traffic cannot be decrypted. Exiting.")
		}
		return errx.Wrap(ErrTrustBootstrap, err)
	}
	s.logger.Info("interception root trusted", "fingerprint", res.Fingerprint, "prompted", res.Prompted)

	engine := policy.NewEngine(cfg, s.logger, s.emitter)
	srv, err := proxy.NewServer(proxy.ServerConfig{
		ListenHost: viper.GetString("run.listen-host"),
		Port:       cfg.ProxyPort,
		Engine:     engine,
		CA:         ca,
		Logger:     s.logger,
		Emitter:    s.emitter,
	})
	if err != nil {
		return errx.Wrap(ErrStartProxy, err)
	}
	if err := srv.Start(); err != nil {
		return errx.Wrap(ErrStartProxy, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Proxy listening on %s, redirecting to %s\n", srv.Addr(), engine.RedirectAddr())
	fmt.Fprintf(cmd.ErrOrStderr(), "Point the application at http://%s (HTTP_PROXY / HTTPS_PROXY)\n", srv.Addr())

	<-ctx.Done()
	s.logger.Info("shutting down")

	closeCtx, cancel := closeContext(viper.GetDuration("run.shutdown-timeout"))
	defer cancel()
	if err := srv.Stop(closeCtx); err != nil {
		s.logger.Warn("proxy stop", "error", err)
	}
	return nil
}
