package main

import (
	"github.com/spf13/cobra"
)

var (
	evalActual   string
	evalExpected string
	evalFormSet  string
	evalProvider string
	evalModel    string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score extracted records against known-good records with the LLM judge",
	Long: `Score a previous extraction against the expected answer.

Both files hold either a JSON array of records or an object with a
"records" key (the output of tally extract -o json works as --actual).
The judge never fails: provider errors and unparseable answers give score 0.

Example:
  tally evaluate --actual out.json --expected truth.json --form-set unit-7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		actual, err := readRecords(evalActual)
		if err != nil {
			return err
		}
		expected, err := readRecords(evalExpected)
		if err != nil {
			return err
		}

		evaluator, err := newEvaluator(ctx, evalProvider, evalModel)
		if err != nil {
			return err
		}

		score := evaluator.Evaluate(ctx, actual, expected, evalFormSet)
		return printer.Print(score)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalActual, "actual", "", "JSON file of extracted records")
	evaluateCmd.Flags().StringVar(&evalExpected, "expected", "", "JSON file of known-good records")
	evaluateCmd.Flags().StringVar(&evalFormSet, "form-set", "", "form set name")
	evaluateCmd.Flags().StringVar(&evalProvider, "provider", "", "judge provider (default: defaults.judge_provider)")
	evaluateCmd.Flags().StringVar(&evalModel, "model", "", "judge model (default: defaults.judge_model)")
	_ = evaluateCmd.MarkFlagRequired("actual")
	_ = evaluateCmd.MarkFlagRequired("expected")
	_ = evaluateCmd.MarkFlagRequired("form-set")
}
