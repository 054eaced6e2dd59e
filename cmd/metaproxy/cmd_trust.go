package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/mitm"
	"github.com/jingkaihe/metaproxy/pkg/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trust of the interception root certificate",
}

var trustInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Generate the interception root if needed and install it into the trust stores",
	Args:  cobra.NoArgs,
	RunE:  runTrustInstall,
}

var trustStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the interception root fingerprint and where it is installed",
	Args:  cobra.NoArgs,
	RunE:  runTrustStatus,
}

var trustExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the interception root certificate as PEM (for browsers with their own trust store)",
	Args:  cobra.NoArgs,
	RunE:  runTrustExport,
}

func init() {
	trustInstallCmd.Flags().BoolP("yes", "y", false, "Install without asking")
	viper.BindPFlag("trust.yes", trustInstallCmd.Flags().Lookup("yes"))

	trustCmd.AddCommand(trustInstallCmd)
	trustCmd.AddCommand(trustStatusCmd)
	trustCmd.AddCommand(trustExportCmd)
	rootCmd.AddCommand(trustCmd)
}

func runTrustInstall(cmd *cobra.Command, args []string) error {
	s, err := openSession(sessionOptions{stderr: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer s.Close()

	store, err := s.trustStore()
	if err != nil {
		return err
	}
	res, err := s.bootstrapper(s.rootCA(), store, newPrompter(viper.GetBool("trust.yes"))).Run(cmd.Context())
	if err != nil {
		return errx.Wrap(ErrTrustBootstrap, err)
	}

	out := cmd.OutOrStdout()
	if len(res.Installed) == 0 {
		fmt.Fprintf(out, "Already trusted: %s\n", res.Fingerprint)
		return nil
	}
	for _, scope := range res.Installed {
		fmt.Fprintf(out, "Installed %s into %s (%s)\n", res.Fingerprint, scope, store.Dir(scope))
	}
	return nil
}

func runTrustStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(sessionOptions{stderr: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer s.Close()

	store, err := s.trustStore()
	if err != nil {
		return err
	}
	status, err := s.bootstrapper(s.rootCA(), store, nil).Status(cmd.Context())
	if err != nil {
		return err
	}
	printTrustStatus(cmd.OutOrStdout(), status)
	return nil
}

func printTrustStatus(out io.Writer, status *trust.Status) {
	fmt.Fprintf(out, "Subject:     %s\n", status.Subject)
	fmt.Fprintf(out, "Fingerprint: %s\n", status.Fingerprint)
	if status.Path != "" {
		fmt.Fprintf(out, "Path:        %s\n", status.Path)
	}
	if status.SystemChecked {
		if status.SystemErr != nil {
			fmt.Fprintf(out, "System:      rejected (%v)\n", status.SystemErr)
		} else {
			fmt.Fprintln(out, "System:      accepted")
		}
	}
	fmt.Fprintf(out, "Trusted:     %t\n\n", status.Trusted())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tINSTALLED")
	for _, sc := range status.Scopes {
		fmt.Fprintf(w, "%s\t%t\n", sc.Scope, sc.Installed)
	}
	w.Flush()
}

func runTrustExport(cmd *cobra.Command, args []string) error {
	ca := mitm.NewRootCA(viper.GetString("ca-dir"))
	if _, err := ca.Load(); err != nil {
		return errx.Wrap(ErrLoadCA, err)
	}
	return writeCertPEM(cmd.OutOrStdout(), ca)
}

func writeCertPEM(out io.Writer, ca *mitm.RootCA) error {
	data := ca.CertPEM()
	if data == nil {
		return mitm.ErrCANotLoaded
	}
	_, err := out.Write(data)
	return err
}
