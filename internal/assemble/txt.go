package assemble

import (
	"bytes"
	"strings"

	"github.com/sl-wen/novel-sub001/pkg/types"
)

func renderTXT(detail types.BookDetail, chapters []types.ChapterContent) []byte {
	var b bytes.Buffer

	title := strings.TrimSpace(detail.Title)
	if title == "" {
		title = "Untitled"
	}
	b.WriteString(title)
	b.WriteByte('\n')
	if detail.Author != "" {
		b.WriteString(detail.Author)
		b.WriteByte('\n')
	}
	if detail.Intro != "" {
		b.WriteByte('\n')
		b.WriteString(detail.Intro)
		b.WriteByte('\n')
	}

	for _, ch := range chapters {
		b.WriteString("\n\n")
		b.WriteString(ch.Title)
		b.WriteString("\n\n")
		if ch.Text == "" {
			b.WriteString(placeholder(ch.Chapter))
		} else {
			b.WriteString(ch.Text)
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}
