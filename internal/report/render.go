package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Font files looked up in the configured font directory. Without them the
// report falls back to Helvetica with cp1252 text.
const (
	fontFamily  = "NotoSans"
	regularFont = "NotoSans-Regular.ttf"
	boldFont    = "NotoSans-Bold.ttf"
)

// Page geometry, in millimetres.
const (
	marginX      = 14.0
	marginTop    = 15.0
	marginBottom = 18.0

	headerRowH  = 8.0
	summaryRowH = 7.0
	detailRowH  = 38.0
	lineH       = 3.2
	cellPad     = 1.0

	// cellLines of lineH fit a detail row between its paddings.
	cellLines = 11

	// ThumbBudget is the longer side of an embedded thumbnail.
	ThumbBudget = 36.0
)

var (
	summaryWidths = []float64{140, 42}
	detailWidths  = []float64{27, 25, 30, 20, 40, 40}
)

// RenderStats describes a rendered report.
type RenderStats struct {
	Pages        int
	ImagesDrawn  int
	DrawFailures int
}

// UTF8FontsAvailable reports whether dir holds both NotoSans faces.
func UTF8FontsAvailable(dir string) bool {
	if dir == "" {
		return false
	}
	for _, name := range []string{regularFont, boldFont} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// FitBox scales w x h so the longer side equals budget.
func FitBox(w, h, budget float64) (float64, float64) {
	if w <= 0 || h <= 0 {
		return budget, budget
	}
	aspect := w / h
	if aspect > 1 {
		return budget, budget / aspect
	}
	return budget * aspect, budget
}

type renderer struct {
	pdf    *fpdf.Fpdf
	family string
	tr     func(string) string
	labels Labels
	stats  RenderStats
}

// Render draws doc as an A4 PDF and writes it to w. Nothing is written
// unless the whole document renders. An image that cannot be embedded is
// replaced by a marker in its cell.
func Render(doc Document, fontDir string, w io.Writer) (RenderStats, error) {
	r := newRenderer(doc, fontDir)

	r.heading(doc)
	r.summary(doc.Summary)
	r.details(doc.Details)

	r.stats.Pages = r.pdf.PageCount()
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return r.stats, exportError(err, "render")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return r.stats, exportError(err, "write")
	}
	return r.stats, nil
}

func newRenderer(doc Document, fontDir string) *renderer {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginX, marginTop, marginX)
	pdf.SetAutoPageBreak(false, marginBottom)
	pdf.AliasNbPages("")
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("leafdoc", false)

	r := &renderer{
		pdf:    pdf,
		family: "Helvetica",
		tr:     pdf.UnicodeTranslatorFromDescriptor(""),
		labels: doc.Labels,
	}
	if UTF8FontsAvailable(fontDir) {
		pdf.AddUTF8Font(fontFamily, "", filepath.Join(fontDir, regularFont))
		pdf.AddUTF8Font(fontFamily, "B", filepath.Join(fontDir, boldFont))
		if pdf.Ok() {
			r.family = fontFamily
			r.tr = func(s string) string { return s }
		} else {
			pdf.ClearError()
		}
	}
	pdf.SetFooterFunc(r.footer)
	return r
}

func (r *renderer) footer() {
	_, pageH := r.pdf.GetPageSize()
	r.pdf.SetXY(marginX, pageH-12)
	r.pdf.SetFont(r.family, "", 8)
	r.pdf.SetTextColor(150, 150, 150)
	r.pdf.CellFormat(0, 5, r.tr(fmt.Sprintf("%s %d/{nb}", r.labels.Page, r.pdf.PageNo())), "", 0, "L", false, 0, "")
}

func (r *renderer) heading(doc Document) {
	r.pdf.AddPage()
	r.pdf.SetFont(r.family, "B", 18)
	r.pdf.SetTextColor(0, 0, 0)
	r.pdf.CellFormat(0, 10, r.tr(doc.Title), "", 1, "L", false, 0, "")
	r.pdf.SetFont(r.family, "", 11)
	r.pdf.SetTextColor(100, 100, 100)
	r.pdf.CellFormat(0, 6, r.tr(doc.OwnerLine), "", 1, "L", false, 0, "")
	r.pdf.CellFormat(0, 6, r.tr(doc.DateLine), "", 1, "L", false, 0, "")
	r.pdf.Ln(4)
}

func (r *renderer) sectionTitle(text string) {
	r.ensureSpace(10+headerRowH, nil)
	r.pdf.SetFont(r.family, "B", 14)
	r.pdf.SetTextColor(0, 0, 0)
	r.pdf.CellFormat(0, 9, r.tr(text), "", 1, "L", false, 0, "")
}

// ensureSpace starts a new page when h does not fit on the current one,
// then redraws the table header if one is given.
func (r *renderer) ensureSpace(h float64, header func()) {
	_, pageH := r.pdf.GetPageSize()
	if r.pdf.GetY()+h <= pageH-marginBottom {
		return
	}
	r.pdf.AddPage()
	if header != nil {
		header()
	}
}

func (r *renderer) tableHeader(widths []float64, titles []string) {
	r.pdf.SetFont(r.family, "B", 9)
	r.pdf.SetFillColor(22, 160, 133)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.SetDrawColor(200, 200, 200)
	for i, title := range titles {
		ln := 0
		if i == len(titles)-1 {
			ln = 1
		}
		r.pdf.CellFormat(widths[i], headerRowH, r.tr(title), "1", ln, "C", true, 0, "")
	}
}

func (r *renderer) rowStyle(i int) bool {
	r.pdf.SetTextColor(0, 0, 0)
	if i%2 == 1 {
		r.pdf.SetFillColor(245, 245, 245)
		return true
	}
	return false
}

func (r *renderer) summary(lines []SummaryLine) {
	header := func() { r.tableHeader(summaryWidths, r.labels.SummaryColumns[:]) }

	r.sectionTitle(r.labels.SummaryHeading)
	header()
	for i, line := range lines {
		r.ensureSpace(summaryRowH, header)
		r.pdf.SetFont(r.family, "", 10)
		fill := r.rowStyle(i)
		r.pdf.CellFormat(summaryWidths[0], summaryRowH, r.tr(line.Label), "1", 0, "L", fill, 0, "")
		r.pdf.CellFormat(summaryWidths[1], summaryRowH, r.tr(line.Count), "1", 1, "C", fill, 0, "")
	}
	r.pdf.Ln(8)
}

func (r *renderer) details(lines []DetailLine) {
	header := func() { r.tableHeader(detailWidths, r.labels.DetailColumns[:]) }

	r.sectionTitle(r.labels.DetailHeading)
	header()
	for i, line := range lines {
		r.ensureSpace(detailRowH, header)
		r.detailRow(i, line)
	}
}

func (r *renderer) detailRow(i int, line DetailLine) {
	x, y := marginX, r.pdf.GetY()
	fill := r.rowStyle(i)
	style := "D"
	if fill {
		style = "FD"
	}

	texts := []string{line.When, line.Source, line.Disease, line.Confidence, line.Treatment}
	for c, text := range texts {
		w := detailWidths[c]
		r.pdf.Rect(x, y, w, detailRowH, style)
		if line.Failed && c == 2 {
			r.pdf.SetTextColor(200, 0, 0)
		}
		r.cellText(x, y, w, text)
		r.pdf.SetTextColor(0, 0, 0)
		x += w
	}

	w := detailWidths[len(detailWidths)-1]
	r.pdf.Rect(x, y, w, detailRowH, style)
	r.image(i, line, x, y, w, detailRowH)

	r.pdf.SetXY(marginX, y+detailRowH)
}

func (r *renderer) cellText(x, y, w float64, text string) {
	r.pdf.SetFont(r.family, "", 7)
	for k, line := range r.wrap(text, w-2*cellPad, cellLines) {
		r.pdf.SetXY(x+cellPad, y+cellPad+float64(k)*lineH)
		r.pdf.CellFormat(w-2*cellPad, lineH, r.tr(line), "", 0, "L", false, 0, "")
	}
}

// wrap breaks text into lines no wider than width in the current font.
// Words longer than a line are split; text past maxLines is cut with an
// ellipsis.
func (r *renderer) wrap(text string, width float64, maxLines int) []string {
	fits := func(s string) bool { return r.pdf.GetStringWidth(r.tr(s)) <= width }

	var lines []string
	cur := ""
	for _, word := range strings.Fields(text) {
		candidate := word
		if cur != "" {
			candidate = cur + " " + word
		}
		if fits(candidate) {
			cur = candidate
			continue
		}
		if cur != "" {
			lines = append(lines, cur)
		}
		for !fits(word) {
			runes := []rune(word)
			n := len(runes) - 1
			for n > 1 && !fits(string(runes[:n])) {
				n--
			}
			if n < 1 {
				n = 1
			}
			lines = append(lines, string(runes[:n]))
			word = string(runes[n:])
		}
		cur = word
	}
	if cur != "" {
		lines = append(lines, cur)
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
		last := []rune(lines[maxLines-1])
		for len(last) > 0 && !fits(string(last)+"...") {
			last = last[:len(last)-1]
		}
		lines[maxLines-1] = string(last) + "..."
	}
	return lines
}

func (r *renderer) image(i int, line DetailLine, x, y, w, h float64) {
	if line.Thumb.Status != ThumbReady {
		r.note(x, y, line.ImageNote, false)
		return
	}

	// A document already in error is reported by Output, not hidden here.
	if !r.pdf.Ok() {
		return
	}

	name := fmt.Sprintf("thumb-%d", i)
	opts := fpdf.ImageOptions{ImageType: "JPG"}
	r.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(line.Thumb.JPEG))
	if !r.pdf.Ok() {
		r.drawFailed(x, y)
		return
	}

	tw, th := FitBox(float64(line.Thumb.Width), float64(line.Thumb.Height), ThumbBudget)
	r.pdf.ImageOptions(name, x+(w-tw)/2, y+(h-th)/2, tw, th, false, opts, 0, "")
	if !r.pdf.Ok() {
		r.drawFailed(x, y)
		return
	}
	r.stats.ImagesDrawn++
}

// drawFailed clears the error raised by the image calls; the document was
// clean before them.
func (r *renderer) drawFailed(x, y float64) {
	r.pdf.ClearError()
	r.stats.DrawFailures++
	r.note(x, y, r.labels.ImageDrawFailed, true)
}

func (r *renderer) note(x, y float64, text string, alert bool) {
	r.pdf.SetFont(r.family, "", 6)
	if alert {
		r.pdf.SetTextColor(255, 0, 0)
	} else {
		r.pdf.SetTextColor(150, 150, 150)
	}
	r.pdf.SetXY(x+cellPad, y+cellPad)
	r.pdf.CellFormat(detailWidths[5]-2*cellPad, lineH, r.tr(text), "", 0, "L", false, 0, "")
	r.pdf.SetTextColor(0, 0, 0)
}
