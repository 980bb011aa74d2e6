// Package formset loads the scanned pages of one election form set from
// image files and PDFs.
package formset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// DefaultDPI is the resolution PDF pages are rendered at.
const DefaultDPI = 300

var (
	// ErrNoPages is returned when the inputs yield no page images.
	ErrNoPages = errors.New("no pages in form set")
	// ErrUnsupportedFile is returned for inputs that are neither images nor PDFs.
	ErrUnsupportedFile = errors.New("unsupported file type")

	numberSuffix = regexp.MustCompile(`-(\d+)\.[^.]+$`)
	trailingNum  = regexp.MustCompile(`-\d+$`)
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// Page is one rendered or read page image.
type Page struct {
	Source     string // Input file the page came from
	PageInFile int    // 1-indexed page within Source
	Data       []byte
}

// FormSet is an ordered set of page images for one polling unit.
type FormSet struct {
	Name  string
	Pages []Page
}

// Images returns the page bytes in order.
func (f *FormSet) Images() [][]byte {
	out := make([][]byte, len(f.Pages))
	for i, p := range f.Pages {
		out[i] = p.Data
	}
	return out
}

// Renderer rasterizes a single PDF page to PNG bytes.
type Renderer interface {
	RenderPage(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error)
}

// PageCounter returns the number of pages in a PDF.
type PageCounter func(pdfPath string) (int, error)

// Options controls Load.
type Options struct {
	Name       string // Derived from the first file name when empty
	DPI        int    // default: 300
	MaxWorkers int    // default: runtime.NumCPU()
	Renderer   Renderer
	Counter    PageCounter
	Logger     *slog.Logger
}

// Load reads every input in numeric-suffix order and expands PDFs into one
// page image per PDF page.
func Load(ctx context.Context, paths []string, opts Options) (*FormSet, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	if opts.Renderer == nil {
		opts.Renderer = PdftoppmRenderer{}
	}
	if opts.Counter == nil {
		opts.Counter = PDFPageCount
	}

	if len(paths) == 0 {
		return nil, ErrNoPages
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("form file not found: %s", p)
		}
	}

	sorted := sortByNumber(paths)
	name := opts.Name
	if name == "" {
		name = deriveName(sorted)
	}

	fs := &FormSet{Name: name}
	for _, p := range sorted {
		ext := strings.ToLower(filepath.Ext(p))
		switch {
		case ext == ".pdf":
			pages, err := renderPDF(ctx, p, opts)
			if err != nil {
				return nil, fmt.Errorf("failed to render %s: %w", p, err)
			}
			log.Debug("rendered PDF", "file", filepath.Base(p), "pages", len(pages))
			fs.Pages = append(fs.Pages, pages...)
		case imageExts[ext]:
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", p, err)
			}
			fs.Pages = append(fs.Pages, Page{Source: p, PageInFile: 1, Data: data})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, p)
		}
	}

	if len(fs.Pages) == 0 {
		return nil, ErrNoPages
	}
	log.Info("loaded form set", "form_set_name", fs.Name, "files", len(sorted), "pages", len(fs.Pages))
	return fs, nil
}

// renderPDF renders all pages of a PDF concurrently, keeping page order.
func renderPDF(ctx context.Context, pdfPath string, opts Options) ([]Page, error) {
	pageCount, err := opts.Counter(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}

	pages := make([]Page, pageCount)
	errs := make([]error, pageCount)
	sem := make(chan struct{}, opts.MaxWorkers)
	var wg sync.WaitGroup

	for page := 1; page <= pageCount; page++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(pageInPDF int) {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := opts.Renderer.RenderPage(ctx, pdfPath, pageInPDF, opts.DPI)
			if err != nil {
				errs[pageInPDF-1] = fmt.Errorf("page %d: %w", pageInPDF, err)
				return
			}
			pages[pageInPDF-1] = Page{Source: pdfPath, PageInFile: pageInPDF, Data: data}
		}(page)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return pages, nil
}

// PDFPageCount counts pages with pdfcpu.
func PDFPageCount(pdfPath string) (int, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()
	return api.PageCount(f, nil)
}

// PdftoppmRenderer renders pages with pdftoppm (poppler-utils).
type PdftoppmRenderer struct {
	Binary string // default: "pdftoppm"
}

// RenderPage renders one page into a temp directory and returns the PNG bytes.
func (r PdftoppmRenderer) RenderPage(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "pdftoppm"
	}

	tmpDir, err := os.MkdirTemp("", "tally-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")
	pageStr := strconv.Itoa(page)

	// -singlefile: don't add page number suffix
	cmd := exec.CommandContext(ctx, bin,
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	data, err := os.ReadFile(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return data, nil
}

// sortByNumber sorts paths by their numeric suffix.
// e.g., ["form-2.png", "form-1.png", "form-10.png"] -> ["form-1.png", "form-2.png", "form-10.png"]
func sortByNumber(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)

	sort.SliceStable(sorted, func(i, j int) bool {
		mi := numberSuffix.FindStringSubmatch(sorted[i])
		mj := numberSuffix.FindStringSubmatch(sorted[j])

		if len(mi) > 1 && len(mj) > 1 {
			ni, _ := strconv.Atoi(mi[1])
			nj, _ := strconv.Atoi(mj[1])
			if ni != nj {
				return ni < nj
			}
			return sorted[i] < sorted[j]
		}

		// Files without numbers come first
		if len(mi) > 1 {
			return false
		}
		if len(mj) > 1 {
			return true
		}
		return sorted[i] < sorted[j]
	})

	return sorted
}

// deriveName names a form set after its files. A trailing "-N" is a page
// index only when several image files share the stem in front of it, so
// "unit-3-1.png, unit-3-2.png" -> "unit-3" while a lone "unit-3.pdf" keeps
// its unit number.
func deriveName(paths []string) string {
	first := stem(paths[0])
	if len(paths) < 2 {
		return first
	}
	base := trailingNum.ReplaceAllString(first, "")
	if base == first {
		return first
	}
	for _, p := range paths {
		if !imageExts[strings.ToLower(filepath.Ext(p))] {
			return first
		}
		s := stem(p)
		if s == trailingNum.ReplaceAllString(s, "") || trailingNum.ReplaceAllString(s, "") != base {
			return first
		}
	}
	return base
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
