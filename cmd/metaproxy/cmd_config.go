package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/api"
	"github.com/jingkaihe/metaproxy/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialise config.json",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (repairing the file if needed)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config.json populated with defaults",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	viper.BindPFlag("config-init.force", configInitCmd.Flags().Lookup("force"))

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	s, err := openSession(sessionOptions{stderr: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer s.Close()

	loaded, err := config.Load(viper.GetString("config"), s.logger)
	if err != nil {
		return errx.Wrap(ErrLoadConfig, err)
	}
	return printConfig(cmd.OutOrStdout(), loaded)
}

func printConfig(out io.Writer, loaded *config.Loaded) error {
	data, err := json.MarshalIndent(loaded.Config, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n", loaded.Path)
	if loaded.Created {
		fmt.Fprintln(out, "# created with defaults")
	}
	if loaded.BackupPath != "" {
		fmt.Fprintf(out, "# unreadable file moved to %s\n", loaded.BackupPath)
	}
	for _, f := range loaded.Repaired {
		fmt.Fprintf(out, "# repaired %s\n", f.Field)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	if err := initConfig(path, viper.GetBool("config-init.force")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errx.With(ErrConfigExists, ": %s (use --force to overwrite)", path)
	}
	return config.Save(path, api.DefaultProxyConfig())
}
