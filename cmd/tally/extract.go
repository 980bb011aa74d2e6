package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tally/internal/export"
	"github.com/jackzampolin/tally/internal/formset"
	"github.com/jackzampolin/tally/internal/svcctx"
	"github.com/jackzampolin/tally/internal/votes"
)

var (
	extractFormSet  string
	extractExpected string
	extractXLSX     string
	extractExport   bool
	extractDPI      int
	extractGen      generationFlags
	extractJudge    string
)

// extractResult is what `tally extract` prints.
type extractResult struct {
	FormSetName string                  `json:"form_set_name" yaml:"form_set_name"`
	Model       string                  `json:"model" yaml:"model"`
	Pages       int                     `json:"pages" yaml:"pages"`
	Records     []votes.ExtractedRecord `json:"records" yaml:"records"`
	Validation  votes.ValidationOutcome `json:"validation" yaml:"validation"`
	Score       *votes.JudgeScore       `json:"score,omitempty" yaml:"score,omitempty"`
	XLSX        string                  `json:"xlsx,omitempty" yaml:"xlsx,omitempty"`
}

var extractCmd = &cobra.Command{
	Use:   "extract <files...>",
	Short: "Extract vote counts from the scanned pages of one form set",
	Long: `Extract vote counts from one form set.

Inputs may be page images (png, jpg, gif, webp, tiff, bmp) or PDFs; PDFs are
rendered one image per page with pdftoppm. Files are ordered by numeric
suffix (form-1.png, form-2.png, form-10.png).

With --expected the extraction is scored against a known-good answer by the
LLM judge. With --xlsx the records are written to a spreadsheet; --export
writes it to ~/.tally/exports/<form-set>.xlsx instead.

Examples:
  tally extract scans/unit-7-*.png --form-set unit-7
  tally extract unit-7.pdf --expected unit-7.json -o json
  tally extract unit-7.pdf --xlsx exports/unit-7.xlsx`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := svcctx.LoggerFrom(ctx)

		// Read expected first so a bad file fails before any LLM spend.
		var expected []votes.ExtractedRecord
		if extractExpected != "" {
			var err error
			if expected, err = readRecords(extractExpected); err != nil {
				return err
			}
		}

		fs, err := formset.Load(ctx, args, formset.Options{
			Name:   extractFormSet,
			DPI:    extractDPI,
			Logger: logger,
		})
		if err != nil {
			return err
		}

		pipeline, genCfg, err := newPipeline(ctx, extractGen)
		if err != nil {
			return err
		}

		records, outcome, err := pipeline.ExtractVotes(ctx, fs.Images(), fs.Name, genCfg)
		if err != nil {
			return err
		}

		result := extractResult{
			FormSetName: fs.Name,
			Model:       genCfg.Model,
			Pages:       len(fs.Pages),
			Records:     records,
			Validation:  outcome,
		}

		if extractExpected != "" {
			evaluator, err := newEvaluator(ctx, extractJudge, "")
			if err != nil {
				return err
			}
			score := evaluator.Evaluate(ctx, records, expected, fs.Name)
			result.Score = &score
		}

		xlsxPath := extractXLSX
		if xlsxPath == "" && extractExport {
			xlsxPath = svcctx.HomeFrom(ctx).ExportPath(fs.Name)
		}
		if xlsxPath != "" {
			if err := export.SaveXLSX(xlsxPath, export.Report{
				FormSetName: fs.Name,
				Model:       genCfg.Model,
				Records:     records,
				Outcome:     &outcome,
				Score:       result.Score,
				GeneratedAt: time.Now(),
			}); err != nil {
				return err
			}
			result.XLSX = xlsxPath
			logger.Info("wrote spreadsheet", "path", xlsxPath)
		}

		return printer.Print(result)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractFormSet, "form-set", "", "form set name (default: derived from the first file name)")
	extractCmd.Flags().StringVar(&extractExpected, "expected", "", "JSON file of known-good records; runs the judge")
	extractCmd.Flags().StringVar(&extractXLSX, "xlsx", "", "write records to this XLSX file")
	extractCmd.Flags().BoolVar(&extractExport, "export", false, "write the XLSX into the tally home exports directory")
	extractCmd.Flags().IntVar(&extractDPI, "dpi", formset.DefaultDPI, "PDF render resolution")
	extractCmd.Flags().StringVar(&extractGen.Provider, "provider", "", "extraction provider (default: defaults.extract_provider)")
	extractCmd.Flags().StringVar(&extractGen.Model, "model", "", "extraction model (default: defaults.extract_model)")
	extractCmd.Flags().Float64Var(&extractGen.Temperature, "temperature", -1, "sampling temperature (default: defaults.temperature)")
	extractCmd.Flags().IntVar(&extractGen.MaxTokens, "max-tokens", 0, "completion token ceiling (default: defaults.max_tokens)")
	extractCmd.Flags().StringVar(&extractJudge, "judge-provider", "", "judge provider (default: defaults.judge_provider)")
}
