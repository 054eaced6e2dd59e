package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/metaproxy/pkg/config"
	"github.com/jingkaihe/metaproxy/pkg/history"
	"github.com/jingkaihe/metaproxy/pkg/mitm"
	"github.com/jingkaihe/metaproxy/pkg/trust"
)

var rootCmd = &cobra.Command{
	Use:   "metaproxy",
	Short: "Intercept an application's traffic and redirect it to a local server",
	Long: `metaproxy is a MITM HTTP(S) proxy. Requests to the monitored domains, or
whose URL contains "meta", are rewritten to the local redirect target and
tagged with an OriginalHost/OriginalUrl cookie. Bulletin and telemetry
polling is blocked. Everything else passes through untouched.

The interception root certificate is generated on first use and must be
trusted by the machine before the proxy starts.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initViper)

	pf := rootCmd.PersistentFlags()
	pf.String("config", config.DefaultPath(), "Path to config.json")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text or json)")
	pf.String("log-file", "", "Also write logs to this file (rotated)")
	pf.String("event-log", "", "Write structured events as JSON-L to this file (rotated)")
	pf.String("history-db", history.DefaultPath(), "SQLite database recording request decisions")
	pf.Bool("no-history", false, "Do not record request decisions")
	pf.String("ca-dir", mitm.DefaultDir(), "Directory holding the interception root CA")
	pf.String("trust-dir", trust.DefaultDir(), "Directory backing the machine certificate stores")
	pf.String("trust-root-dir", "", "Trusted-root anchor directory (detected: /usr/local/share/ca-certificates, /etc/pki/ca-trust/source/anchors, ...)")
	pf.String("trust-refresh", "", "Command run after installing a root (defaults to the detected anchor's tool, e.g. update-ca-certificates)")
	pf.Bool("trust-skip-system-check", false, "Do not require the system root bundle to accept the root")

	for _, name := range []string{
		"config", "log-level", "log-format", "log-file", "event-log",
		"history-db", "no-history", "ca-dir", "trust-dir", "trust-root-dir", "trust-refresh",
		"trust-skip-system-check",
	} {
		viper.BindPFlag(name, pf.Lookup(name))
	}
}

func initViper() {
	viper.SetEnvPrefix("METAPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
