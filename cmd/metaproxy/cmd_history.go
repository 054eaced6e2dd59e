package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent request decisions",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete decisions older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.Flags().Int("limit", history.DefaultLimit, "Maximum number of decisions to show")
	historyCmd.Flags().String("action", "", "Only show this action (block, pass, redirect)")
	historyCmd.Flags().String("run", "", "Only show decisions from this run ID")
	historyCmd.Flags().Bool("json", false, "Print records as JSON")
	historyCmd.Flags().Bool("summary", false, "Print counts per action instead of records")
	viper.BindPFlag("history.limit", historyCmd.Flags().Lookup("limit"))
	viper.BindPFlag("history.action", historyCmd.Flags().Lookup("action"))
	viper.BindPFlag("history.run", historyCmd.Flags().Lookup("run"))
	viper.BindPFlag("history.json", historyCmd.Flags().Lookup("json"))
	viper.BindPFlag("history.summary", historyCmd.Flags().Lookup("summary"))

	historyPruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "Age of the oldest decision to keep")
	viper.BindPFlag("history.older-than", historyPruneCmd.Flags().Lookup("older-than"))

	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(viper.GetString("history-db"))
	if err != nil {
		return errx.Wrap(ErrOpenHistory, err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if viper.GetBool("history.summary") {
		counts, err := store.Counts(cmd.Context())
		if err != nil {
			return err
		}
		printCounts(out, counts)
		return nil
	}

	records, err := store.Recent(cmd.Context(), history.Query{
		Limit:  viper.GetInt("history.limit"),
		Action: viper.GetString("history.action"),
		RunID:  viper.GetString("history.run"),
	})
	if err != nil {
		return err
	}
	if viper.GetBool("history.json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	printRecords(out, records)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, err := history.Open(viper.GetString("history-db"))
	if err != nil {
		return errx.Wrap(ErrOpenHistory, err)
	}
	defer store.Close()

	n, err := store.Prune(cmd.Context(), time.Now().Add(-viper.GetDuration("history.older-than")))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d decisions\n", n)
	return nil
}

func printRecords(out io.Writer, records []history.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tMETHOD\tHOST\tURL\tTARGET")
	for _, r := range records {
		target := r.RedirectTo
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Action, r.Method, r.Host, truncate(r.URL, 80), target)
	}
	w.Flush()
}

func printCounts(out io.Writer, counts map[string]int) {
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tCOUNT")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%d\n", a, counts[a])
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
