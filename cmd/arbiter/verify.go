package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

var (
	verifyCandidateFile string
	verifyOracleFile    string
	validateStage       string
)

func init() {
	verifyCmd.Flags().StringVar(&verifyCandidateFile, "candidate", "", "file with the candidate program (- for stdin)")
	verifyCmd.Flags().StringVar(&verifyOracleFile, "oracle", "", "file with the check(candidate) oracle")
	_ = verifyCmd.MarkFlagRequired("candidate")
	_ = verifyCmd.MarkFlagRequired("oracle")

	validateCmd.Flags().StringVar(&validateStage, "stage", "", "stage contract (planner, reasoning, problem)")
	_ = validateCmd.MarkFlagRequired("stage")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a candidate against an oracle in the sandbox",
	Long: `Run a candidate program against a check(candidate) oracle in the
sandboxed interpreter. A markdown code fence around the candidate is
stripped first. Exits 2 when verification fails.

Examples:
  arbiter verify --candidate solution.py --oracle tests.py
  cat solution.md | arbiter verify --candidate - --oracle tests.py`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		candidate, err := readInput(verifyCandidateFile)
		if err != nil {
			return err
		}
		oracle, err := readInput(verifyOracleFile)
		if err != nil {
			return err
		}

		rt, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()
		if err := rt.initVerification(); err != nil {
			return err
		}

		res, err := sandbox.Verify(cmd.Context(), rt.sandbox, candidate, oracle)
		if errors.Is(err, sandbox.ErrEmptyCandidate) {
			return errors.New("candidate is empty")
		}
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if jsonOutput {
			err = writeJSON(cmd.OutOrStdout(), res)
		} else {
			renderResult(cmd.OutOrStdout(), res)
		}
		if err == nil && !res.Passed {
			_ = rt.Close()
			os.Exit(2)
		}
		return err
	},
}

var formatCmd = &cobra.Command{
	Use:   "format [file]",
	Short: "Check reasoning/answer tag structure",
	Long: `Check that a response carries exactly one reasoning segment followed by
exactly one answer segment, and print what was extracted. Reads stdin when
no file (or -) is given. Exits 2 when the structure is invalid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "-"
		if len(args) == 1 {
			path = args[0]
		}
		text, err := readInput(path)
		if err != nil {
			return err
		}

		rt, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()
		if err := rt.initVerification(); err != nil {
			return err
		}

		resp := rt.format.Parse(text)
		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := writeJSON(out, resp); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out, verdict(resp.Valid, "format"))
			fmt.Fprintln(out, field("Reasoning", foundText(resp.ReasoningFound, resp.Reasoning)))
			fmt.Fprintln(out, field("Answer", foundText(resp.AnswerFound, resp.Answer)))
		}
		if !resp.Valid {
			_ = rt.Close()
			os.Exit(2)
		}
		return nil
	},
}

func foundText(found bool, text string) string {
	if !found {
		return labelStyle.Render("(missing)")
	}
	return strings.TrimSpace(text)
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a stage output against its contract",
	Long: `Parse raw model output for a stage and check it against the stage's
field contract. Reads stdin when no file (or -) is given. Exits 2 on a
violation.

Examples:
  arbiter validate --stage planner plan.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "-"
		if len(args) == 1 {
			path = args[0]
		}
		raw, err := readInput(path)
		if err != nil {
			return err
		}

		value, err := schema.ParseStage(validateStage, raw)
		if errors.Is(err, schema.ErrUnknownStage) {
			return err
		}

		out := cmd.OutOrStdout()
		if err != nil {
			var ve *schema.ViolationError
			if jsonOutput {
				_ = writeJSON(out, map[string]string{"stage": validateStage, "error": err.Error()})
			} else if errors.As(err, &ve) {
				fmt.Fprintln(out, verdict(false, ve.Kind.Error()))
				if ve.Field != "" {
					fmt.Fprintln(out, field("Field", ve.Field))
				}
				fmt.Fprintln(out, field("Reason", ve.Reason))
			} else {
				fmt.Fprintln(out, verdict(false, err.Error()))
			}
			os.Exit(2)
		}

		if !jsonOutput {
			fmt.Fprintln(out, verdict(true, validateStage+" output is valid"))
		}
		return writeJSON(out, value)
	},
}
