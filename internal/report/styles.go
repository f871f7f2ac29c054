package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	headerFill  = "4472C4"
	evenRowFill = "D9E2F3"
	linkColor   = "0563C1"
	// numFmtThousands is the builtin "#,##0" format.
	numFmtThousands = 3
)

// styles holds style IDs indexed by whether the row is even.
type styles struct {
	header int
	data   map[bool]int
	price  map[bool]int
	link   map[bool]int
}

func (s styles) pick(col int, even bool) int {
	if col == priceColumn {
		return s.price[even]
	}
	return s.data[even]
}

func thinBorder() []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
}

func newStyles(f *excelize.File) (styles, error) {
	st := styles{data: map[bool]int{}, price: map[bool]int{}, link: map[bool]int{}}
	var err error
	st.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Family: "Calibri", Bold: true, Size: 11, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{headerFill}},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
		Border:    thinBorder(),
	})
	if err != nil {
		return styles{}, fmt.Errorf("header style: %w", err)
	}

	for _, even := range []bool{false, true} {
		var fill excelize.Fill
		if even {
			fill = excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{evenRowFill}}
		}
		if st.data[even], err = f.NewStyle(&excelize.Style{
			Font:      &excelize.Font{Family: "Calibri", Size: 10},
			Fill:      fill,
			Alignment: &excelize.Alignment{Vertical: "top"},
			Border:    thinBorder(),
		}); err != nil {
			return styles{}, fmt.Errorf("data style: %w", err)
		}
		if st.price[even], err = f.NewStyle(&excelize.Style{
			Font:      &excelize.Font{Family: "Calibri", Size: 10},
			Fill:      fill,
			Alignment: &excelize.Alignment{Horizontal: "right", Vertical: "top"},
			Border:    thinBorder(),
			NumFmt:    numFmtThousands,
		}); err != nil {
			return styles{}, fmt.Errorf("price style: %w", err)
		}
		if st.link[even], err = f.NewStyle(&excelize.Style{
			Font:      &excelize.Font{Family: "Calibri", Size: 10, Color: linkColor, Underline: "single"},
			Fill:      fill,
			Alignment: &excelize.Alignment{Vertical: "top"},
			Border:    thinBorder(),
		}); err != nil {
			return styles{}, fmt.Errorf("link style: %w", err)
		}
	}
	return st, nil
}
