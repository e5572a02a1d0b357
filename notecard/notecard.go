// Package notecard renders the note card document captured by the export
// pipeline: a title, the year, one or more question/answer blocks and a
// dated footer, sized to one of three social-media presets.
package notecard

import (
	"bytes"
	_ "embed"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/typenote/artifact"
)

// Selector locates the card element inside the rendered document.
const Selector = "#card"

// Size is a card preset.
type Size string

const (
	Square    Size = "SQUARE"
	Portrait  Size = "PORTRAIT"
	ThreeFour Size = "THREE_FOUR"
)

// Dimensions returns the pixel size of the preset.
func (s Size) Dimensions() (width, height int) {
	switch s {
	case Portrait:
		return 1080, 1350
	case ThreeFour:
		return 1080, 1440
	default:
		return 1080, 1080
	}
}

// ParseSize accepts preset names case-insensitively. Empty means Square.
func ParseSize(s string) (Size, error) {
	switch Size(strings.ToUpper(strings.TrimSpace(s))) {
	case "", Square:
		return Square, nil
	case Portrait:
		return Portrait, nil
	case ThreeFour:
		return ThreeFour, nil
	}
	return "", fmt.Errorf("notecard: unknown size %q", s)
}

// Block is one question and its answer.
type Block struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Card is the content of one note card.
type Card struct {
	Title  string
	Year   int
	Size   Size
	Blocks []Block
	Date   time.Time
	// FontCSS is an @font-face block inlined into the document head.
	FontCSS string
	// FontFamily is the typeface the card is set in.
	FontFamily string
}

// Stem returns the export file stem, derived from the first question.
func (c Card) Stem(prefix string) string {
	var text string
	if len(c.Blocks) > 0 {
		text = c.Blocks[0].Question
	}
	return artifact.FileStem(prefix, c.Year, text)
}

//go:embed card.html.tmpl
var cardTemplate string

var tmpl = template.Must(template.New("card").Funcs(template.FuncMap{
	"last": func(bs []Block) int { return len(bs) - 1 },
}).Parse(cardTemplate))

var policy = bluemonday.StrictPolicy()

// clean strips any markup from user text. The template escapes the result
// again, so entities produced by the sanitizer are decoded first.
func clean(s string) string {
	return html.UnescapeString(policy.Sanitize(s))
}

type view struct {
	Title      string
	Year       int
	Width      int
	Height     int
	Blocks     []Block
	Date       string
	FontCSS    template.CSS
	FontFamily string
}

// Render returns the complete HTML document for c.
func Render(c Card) (string, error) {
	if len(c.Blocks) == 0 {
		return "", fmt.Errorf("notecard: card has no blocks")
	}
	w, h := c.Size.Dimensions()
	date := c.Date
	if date.IsZero() {
		date = time.Now()
	}
	family := c.FontFamily
	if family == "" {
		family = "Special Elite"
	}

	v := view{
		Title:      clean(c.Title),
		Year:       c.Year,
		Width:      w,
		Height:     h,
		Date:       date.Format("2006-01-02"),
		FontCSS:    template.CSS(c.FontCSS),
		FontFamily: strings.NewReplacer(`'`, ``, `\`, ``, `<`, ``).Replace(family),
	}
	for _, b := range c.Blocks {
		v.Blocks = append(v.Blocks, Block{Question: clean(b.Question), Answer: clean(b.Answer)})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("notecard: render: %w", err)
	}
	return buf.String(), nil
}
