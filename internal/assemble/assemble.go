package assemble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sl-wen/novel-sub001/pkg/types"
)

// Output formats the assembler can produce.
const (
	FormatTXT  = "txt"
	FormatEPUB = "epub"
)

// Supported reports whether format names a known output format.
func Supported(format string) bool {
	switch format {
	case FormatTXT, FormatEPUB:
		return true
	}
	return false
}

// Book renders the downloaded chapters into the requested format. Chapters
// are always written in ascending order, whatever order the fetches
// finished in. A chapter with no text is rendered as a placeholder marker
// so readers can tell which chapters were lost.
func Book(format string, detail types.BookDetail, chapters []types.ChapterContent) ([]byte, error) {
	ordered := make([]types.ChapterContent, len(chapters))
	copy(ordered, chapters)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	switch format {
	case FormatTXT:
		return renderTXT(detail, ordered), nil
	case FormatEPUB:
		return renderEPUB(detail, ordered)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Filename suggests an output filename for the book. The title keeps its
// non-ASCII characters; only path separators and other characters that are
// unsafe in filenames are replaced.
func Filename(title, format string) string {
	name := sanitizeFilename(title)
	if name == "" {
		name = "book"
	}
	return name + "." + format
}

func sanitizeFilename(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	var b strings.Builder
	for _, r := range title {
		switch {
		case r < 0x20, r == 0x7f:
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), " .")
	runes := []rune(name)
	if len(runes) > 120 {
		name = string(runes[:120])
	}
	return name
}

func placeholder(ch types.Chapter) string {
	return fmt.Sprintf("[missing: %s]", ch.Title)
}
