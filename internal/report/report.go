// Package report renders normalized listings as a styled spreadsheet.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/listing"
)

// SheetName is the name of the single worksheet.
const SheetName = "Товары Avito"

// DateLayout formats the capture date column.
const DateLayout = "2006-01-02 15:04"

// ContentType is the MIME type of the produced workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const descriptionLimit = 200

type column struct {
	title string
	width float64
}

var columns = []column{
	{"Нормализованное название", 40},
	{"Категория", 20},
	{"Характеристики", 35},
	{"Цена (руб.)", 14},
	{"Оригинальное название", 45},
	{"Продавец", 20},
	{"Рейтинг продавца", 16},
	{"Отзывы", 16},
	{"Ссылка", 60},
	{"Описание", 50},
	{"Дата парсинга", 20},
}

const (
	priceColumn = 4
	linkColumn  = 9
)

// Writer saves reports to a fixed path.
type Writer struct {
	path   string
	logger *zap.Logger
}

// NewWriter returns a Writer targeting path.
func NewWriter(path string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{path: path, logger: logger.Named("report")}
}

// Write renders items and saves the workbook, returning its absolute path.
// Nothing is written and "" is returned when items is empty.
func (w *Writer) Write(ctx context.Context, items []listing.NormalizedListing) (string, error) {
	if len(items) == 0 {
		w.logger.Warn("Nothing to export")
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.logger.Info("Export started", zap.Int("listings", len(items)), zap.String("path", w.path))

	f, err := Build(items)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			w.logger.Warn("Closing workbook failed", zap.Error(cerr))
		}
	}()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return "", fmt.Errorf("resolve report path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	if err := saveFile(f, abs); err != nil {
		return "", err
	}

	w.logger.Info("Export completed",
		zap.Int("listings", len(items)),
		zap.Int("unique_titles", UniqueTitles(items)),
		zap.String("path", abs),
	)
	return abs, nil
}

// saveFile writes f next to path and renames it into place, so readers never
// see a partial workbook.
func saveFile(f *excelize.File, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.xlsx")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	if err := f.Write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("move report into place: %w", err)
	}
	return nil
}

// WriteTo renders items straight into out.
func WriteTo(out io.Writer, items []listing.NormalizedListing) error {
	f, err := Build(items)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(out); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// UniqueTitles counts distinct normalized titles.
func UniqueTitles(items []listing.NormalizedListing) int {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		seen[it.NormalizedTitle] = struct{}{}
	}
	return len(seen)
}

// Build lays out the workbook in memory. The caller closes it.
func Build(items []listing.NormalizedListing) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	st, err := newStyles(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeHeader(f, st); err != nil {
		_ = f.Close()
		return nil, err
	}
	for i, item := range items {
		if err := writeRow(f, st, i+2, item); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if err := format(f, len(items)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func row(item listing.NormalizedListing) []any {
	return []any{
		item.NormalizedTitle,
		item.Category,
		item.KeySpecs,
		item.Price,
		item.Title,
		item.SellerName,
		item.SellerRating,
		item.SellerReviews,
		item.FullURL,
		truncate(item.Description, descriptionLimit),
		item.ScrapedAt.Format(DateLayout),
	}
}

func writeHeader(f *excelize.File, st styles) error {
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, col.title); err != nil {
			return fmt.Errorf("header %s: %w", cell, err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := f.SetCellStyle(SheetName, "A1", last, st.header); err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, st styles, r int, item listing.NormalizedListing) error {
	even := r%2 == 0
	for i, value := range row(item) {
		col := i + 1
		cell, err := excelize.CoordinatesToCellName(col, r)
		if err != nil {
			return fmt.Errorf("row %d cell: %w", r, err)
		}
		if err := f.SetCellValue(SheetName, cell, value); err != nil {
			return fmt.Errorf("row %d %s: %w", r, cell, err)
		}
		style := st.pick(col, even)
		if col == linkColumn && item.FullURL != "" {
			if err := f.SetCellHyperLink(SheetName, cell, item.FullURL, "External"); err != nil {
				return fmt.Errorf("row %d link: %w", r, err)
			}
			style = st.link[even]
		}
		if err := f.SetCellStyle(SheetName, cell, cell, style); err != nil {
			return fmt.Errorf("row %d style: %w", r, err)
		}
	}
	return nil
}

func format(f *excelize.File, rows int) error {
	for i, col := range columns {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(SheetName, name, name, col.width); err != nil {
			return fmt.Errorf("column width %s: %w", name, err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), rows+1)
	if err := f.AutoFilter(SheetName, "A1:"+last, nil); err != nil {
		return fmt.Errorf("autofilter: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
