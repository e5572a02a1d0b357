package notecard

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"
)

func TestRender_ContainsContent(t *testing.T) {
	doc, err := Render(Card{
		Title: "Yearly Note",
		Year:  2025,
		Size:  Portrait,
		Blocks: []Block{
			{Question: "What surprised you?", Answer: "The sea.\nAnd the rain."},
			{Question: "Who helped?", Answer: "Everyone."},
		},
		Date: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`id="card"`,
		"width: 1080px",
		"min-height: 1350px",
		"What surprised you?",
		"The sea.\nAnd the rain.",
		"Who helped?",
		"2025-12-31",
		"body.is-exporting .caret",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q", want)
		}
	}
	if n := strings.Count(doc, `<span class="caret">`); n != 1 {
		t.Errorf("caret count = %d, want 1", n)
	}
}

func TestRender_StripsMarkup(t *testing.T) {
	doc, err := Render(Card{
		Title:  "T",
		Blocks: []Block{{Question: "Q", Answer: `<script>alert(1)</script><b>bold</b> & more`}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(doc, "<script>alert") || strings.Contains(doc, "<b>") {
		t.Fatal("markup leaked into the card")
	}
	if !strings.Contains(doc, "bold &amp; more") {
		t.Fatal("text content should survive sanitising, escaped once")
	}
}

func TestRender_FontCSSInlined(t *testing.T) {
	css := "@font-face { font-family: 'Go'; src: url(data:font/ttf;base64,AAAA) format('truetype'); }"
	doc, err := Render(Card{Blocks: []Block{{Question: "Q", Answer: "A"}}, FontCSS: css, FontFamily: "Go"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc, css) {
		t.Fatal("font css not inlined verbatim")
	}
}

func TestRender_NoBlocks(t *testing.T) {
	if _, err := Render(Card{Title: "empty"}); err == nil {
		t.Fatal("expected error for a card without blocks")
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]Size{"": Square, "square": Square, "PORTRAIT": Portrait, "three_four": ThreeFour}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Errorf("ParseSize(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSize("banner"); err == nil {
		t.Error("expected error for unknown size")
	}
	if w, h := ThreeFour.Dimensions(); w != 1080 || h != 1440 {
		t.Errorf("THREE_FOUR = %dx%d", w, h)
	}
}

func TestCard_Stem(t *testing.T) {
	c := Card{Year: 2025, Blocks: []Block{{Question: "Hello, World! 2024"}}}
	if got := c.Stem("YearlyNote"); got != "YearlyNote_2025_Hello__Wor" {
		t.Fatalf("stem = %q", got)
	}
}

func TestRender_DocumentStructure(t *testing.T) {
	doc, err := Render(Card{
		Title: "Yearly Note",
		Year:  2025,
		Blocks: []Block{
			{Question: "One?", Answer: "1"},
			{Question: "Two?", Answer: "2"},
			{Question: "Three?", Answer: "3"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}

	var card *html.Node
	var blocks []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case attr(n, "id") == "card":
				card = n
			case attr(n, "class") == "block":
				blocks = append(blocks, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if card == nil {
		t.Fatalf("no element matches %s", Selector)
	}
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	for i, b := range blocks {
		hasCaret := strings.Contains(renderNode(t, b), `class="caret"`)
		if hasCaret != (i == len(blocks)-1) {
			t.Errorf("block %d caret = %v", i, hasCaret)
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func renderNode(t *testing.T, n *html.Node) string {
	t.Helper()
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		t.Fatal(err)
	}
	return sb.String()
}
