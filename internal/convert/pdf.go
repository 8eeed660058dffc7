package convert

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"
	"golang.org/x/text/encoding/charmap"
)

const unicodeFamily = "ReportUnicode"

// LocalPDF renders lightly formatted text (headings, bullets, paragraphs) with gofpdf.
//
// Without a Unicode font only text representable in cp1252 can be rendered;
// anything else fails with ErrConversionFailed rather than producing a document
// with missing characters.
type LocalPDF struct {
	font []byte
}

// LocalPDFOption configures a LocalPDF.
type LocalPDFOption func(*LocalPDF)

// WithUnicodeFont renders all text with the given TrueType font. Use a font
// that covers the report language, e.g. Noto Sans SC for Chinese.
func WithUnicodeFont(ttf []byte) LocalPDFOption {
	return func(c *LocalPDF) {
		c.font = ttf
	}
}

func NewLocalPDF(opts ...LocalPDFOption) *LocalPDF {
	c := &LocalPDF{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LocalPDF) Name() string { return "local" }

func (c *LocalPDF) Convert(ctx context.Context, title, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConverterTimeout, err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle(title, true)
	pdf.AliasNbPages("{nb}")

	family := "Arial"
	tr := func(s string) string { return s }
	if len(c.font) > 0 {
		pdf.AddUTF8FontFromBytes(unicodeFamily, "", c.font)
		pdf.AddUTF8FontFromBytes(unicodeFamily, "B", c.font)
		family = unicodeFamily
	} else {
		if err := checkCoreFontText(title, text); err != nil {
			return nil, err
		}
		// Core fonts are cp1252; translate UTF-8 input.
		tr = pdf.UnicodeTranslatorFromDescriptor("")
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(family, "", 9)
		pdf.SetTextColor(108, 117, 125)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont(family, "B", 20)
	pdf.SetTextColor(0, 102, 204)
	pdf.MultiCell(0, 10, tr(title), "", "L", false)
	pdf.SetLineWidth(0.5)
	pdf.SetDrawColor(0, 102, 204)
	pdf.Line(15, pdf.GetY()+2, 195, pdf.GetY()+2)
	pdf.Ln(6)

	pdf.SetTextColor(33, 37, 41)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			pdf.Ln(3)
		case strings.HasPrefix(trimmed, "### "):
			writeHeading(pdf, family, tr(strings.TrimPrefix(trimmed, "### ")), 12)
		case strings.HasPrefix(trimmed, "## "):
			writeHeading(pdf, family, tr(strings.TrimPrefix(trimmed, "## ")), 14)
		case strings.HasPrefix(trimmed, "# "):
			writeHeading(pdf, family, tr(strings.TrimPrefix(trimmed, "# ")), 16)
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			pdf.SetFont(family, "", 10)
			pdf.SetX(20)
			pdf.MultiCell(0, 5, tr("• "+stripEmphasis(trimmed[2:])), "", "L", false)
		default:
			pdf.SetFont(family, "", 10)
			pdf.MultiCell(0, 5, tr(stripEmphasis(trimmed)), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: rendering pdf: %v", ErrConversionFailed, err)
	}
	return buf.Bytes(), nil
}

// checkCoreFontText rejects text the built-in cp1252 fonts would render as
// placeholders.
func checkCoreFontText(parts ...string) error {
	for _, s := range parts {
		for _, r := range s {
			if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
				return fmt.Errorf("%w: character %q needs a Unicode font (set CONVERTER_FONT_FILE)", ErrConversionFailed, r)
			}
		}
	}
	return nil
}

func writeHeading(pdf *gofpdf.Fpdf, family, text string, size float64) {
	pdf.Ln(2)
	pdf.SetFont(family, "B", size)
	pdf.MultiCell(0, size/2+1, text, "", "L", false)
	pdf.Ln(1)
}

// stripEmphasis drops markdown bold and italic markers.
func stripEmphasis(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return s
}

var _ Converter = (*LocalPDF)(nil)
