package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Tags whose subtrees never contribute chapter text.
var skippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"iframe":   {},
	"template": {},
	"svg":      {},
}

// Tags that force a paragraph break around their content.
var paragraphTags = map[string]struct{}{
	"p":       {},
	"div":     {},
	"section": {},
	"article": {},
	"h1":      {},
	"h2":      {},
	"h3":      {},
	"h4":      {},
	"h5":      {},
	"h6":      {},
	"li":      {},
	"tr":      {},
}

var hiddenStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden`)

// CleanText extracts readable text from the selected content containers.
// <br> and block elements become line breaks, hidden and non-content
// subtrees are skipped, and lines matching any noise filter are dropped.
// One line per paragraph.
func CleanText(sel *goquery.Selection, filters []*regexp.Regexp) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	acc := &textAccumulator{}
	for _, node := range sel.Nodes {
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulate(child, acc)
		}
		acc.breakLine()
	}
	return filterLines(acc.String(), filters)
}

type textAccumulator struct {
	builder  strings.Builder
	lineOpen bool
}

func (t *textAccumulator) String() string { return t.builder.String() }

func (t *textAccumulator) text(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	t.lineOpen = true
}

func (t *textAccumulator) breakLine() {
	if !t.lineOpen {
		return
	}
	t.builder.WriteByte('\n')
	t.lineOpen = false
}

func accumulate(node *html.Node, acc *textAccumulator) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		acc.text(normalizeWhitespace(node.Data))
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if _, skip := skippedTags[tag]; skip {
			return
		}
		if hiddenStyle.MatchString(attrValue(node, "style")) {
			return
		}
		if tag == "br" {
			acc.breakLine()
			return
		}
		_, block := paragraphTags[tag]
		if block {
			acc.breakLine()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulate(child, acc)
		}
		if block {
			acc.breakLine()
		}
	}
}

// filterLines trims each line, drops blanks, and drops lines matching any
// noise filter.
func filterLines(raw string, filters []*regexp.Regexp) string {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
line:
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, f := range filters {
			if f.MatchString(line) {
				continue line
			}
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// normalizeWhitespace collapses runs of whitespace, including non-breaking
// and ideographic spaces, into single spaces.
func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func attrValue(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
