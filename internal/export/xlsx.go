// Package export writes extraction results as XLSX workbooks.
package export

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jackzampolin/tally/internal/votes"
)

// Sheet names.
const (
	RecordsSheet = "Records"
	SummarySheet = "Summary"
)

var recordHeaders = []string{
	"#",
	"Candidate",
	"Party",
	"Resolved Name",
	"Votes",
	"Province",
	"District",
	"Date",
	"Ballots Used",
	"Ballots Valid",
	"Ballots Void",
	"Ballots No Vote",
}

// Report is everything one extraction run produced.
type Report struct {
	FormSetName string
	Model       string
	Records     []votes.ExtractedRecord
	Outcome     *votes.ValidationOutcome
	Score       *votes.JudgeScore // nil when no expected records were given
	GeneratedAt time.Time
}

// WriteXLSX renders the report as a two-sheet workbook.
func WriteXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	// NewFile starts with "Sheet1"; rename it so the records sheet is first.
	if err := f.SetSheetName("Sheet1", RecordsSheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	if err := writeRecords(f, r); err != nil {
		return err
	}
	if err := writeSummary(f, r); err != nil {
		return err
	}

	idx, _ := f.GetSheetIndex(RecordsSheet)
	f.SetActiveSheet(idx)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// SaveXLSX writes the workbook to path, creating parent directories.
func SaveXLSX(path string, r Report) error {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, r); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeRecords(f *excelize.File, r Report) error {
	for i, h := range recordHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(RecordsSheet, cell, h); err != nil {
			return fmt.Errorf("xlsx header: %w", err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(recordHeaders), 1)
		_ = f.SetCellStyle(RecordsSheet, "A1", last, bold)
	}

	// Highlight the record that failed validation.
	var invalidStyle int
	if r.Outcome != nil && !r.Outcome.IsValid() {
		invalidStyle, _ = f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		})
	}

	for i, rec := range r.Records {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(RecordsSheet, cell, v)
		}
		write(1, i)
		write(2, deref(rec.CandidateName))
		write(3, deref(rec.PartyName))
		write(4, rec.ResolvedName())
		write(5, rec.VoteCount)
		write(6, deref(rec.Province))
		write(7, deref(rec.District))
		write(8, deref(rec.Date))
		write(9, rec.BallotsUsed)
		write(10, rec.BallotsValid)
		write(11, rec.BallotsVoid)
		write(12, rec.BallotsNoVote)

		if invalidStyle != 0 && r.Outcome.Index == i {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(recordHeaders), row)
			_ = f.SetCellStyle(RecordsSheet, first, last, invalidStyle)
		}
	}

	_ = f.SetColWidth(RecordsSheet, "A", "A", 5)
	_ = f.SetColWidth(RecordsSheet, "B", "D", 28)
	_ = f.SetColWidth(RecordsSheet, "E", "E", 10)
	_ = f.SetColWidth(RecordsSheet, "F", "H", 16)
	_ = f.SetColWidth(RecordsSheet, "I", "L", 14)
	return nil
}

func writeSummary(f *excelize.File, r Report) error {
	total := 0
	for _, rec := range r.Records {
		total += rec.VoteCount
	}

	generated := r.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	rows := [][2]any{
		{"Form Set", r.FormSetName},
		{"Model", r.Model},
		{"Generated At", generated.UTC().Format(time.RFC3339)},
		{"Records", len(r.Records)},
		{"Total Votes", total},
	}
	if r.Outcome != nil {
		rows = append(rows, [2]any{"Validation", r.Outcome.Kind().String()})
		if !r.Outcome.IsValid() {
			rows = append(rows,
				[2]any{"Validation Reason", r.Outcome.Reason},
				[2]any{"Failing Record", r.Outcome.Index},
				[2]any{"Failing Field", r.Outcome.Field},
			)
		}
	}
	if r.Score != nil {
		rows = append(rows,
			[2]any{"Judge Score", r.Score.Score},
			[2]any{"Judge Reasoning", r.Score.Reasoning},
			[2]any{"Judge Errors", strings.Join(r.Score.ErrorsFound, "\n")},
		)
	}

	for i, kv := range rows {
		if err := f.SetSheetRow(SummarySheet, fmt.Sprintf("A%d", i+1), &[]any{kv[0], kv[1]}); err != nil {
			return fmt.Errorf("xlsx summary: %w", err)
		}
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 20)
	_ = f.SetColWidth(SummarySheet, "B", "B", 60)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
