package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/arbiter/internal/monitor"
)

var searchK int

func init() {
	archiveCmd.AddCommand(archiveSearchCmd)
	archiveSearchCmd.Flags().IntVarP(&searchK, "k", "k", 5, "number of matches to return")
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Query the verified-solution archive",
}

var archiveSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find archived solutions similar to a problem",
	Long: `Search the archive of accepted solutions by problem similarity.

Examples:
  arbiter archive search "sum two integers"
  arbiter archive search -k 10 "longest palindromic substring"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		rt, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		if !rt.cfg.Archive.Enabled {
			return errors.New("archive is not enabled (set archive.enabled)")
		}
		if err := rt.initVerification(); err != nil {
			return err
		}
		if err := rt.initArchive(cmd.Context()); err != nil {
			return err
		}

		matches, err := rt.archive.Search(cmd.Context(), query, searchK)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, matches)
		}
		if len(matches) == 0 {
			fmt.Fprintln(out, labelStyle.Render("No archived solutions."))
			return nil
		}
		for i, m := range matches {
			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d. %s", i+1, m.RunID)))
			fmt.Fprintln(out, field("Similarity", fmt.Sprintf("%.3f", m.Similarity)))
			fmt.Fprintln(out, field("Recorded", m.RecordedAt.Format("2006-01-02 15:04")))
			fmt.Fprintln(out, field("Problem", monitor.Truncate(m.Problem, 72)))
			fmt.Fprintln(out, codeStyle.Render(strings.TrimRight(m.Code, "\n")))
		}
		return nil
	},
}
