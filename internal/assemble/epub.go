package assemble

import (
	"archive/zip"
	"bytes"
	"fmt"
	"hash/fnv"
	"html"
	"strings"
	"time"

	"github.com/sl-wen/novel-sub001/pkg/types"
)

const containerXML = `<?xml version="1.0" encoding="utf-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

// renderEPUB produces a minimal EPUB 3 archive: stored mimetype entry
// first, then container, package document, nav, and one XHTML file per
// chapter in spine order.
func renderEPUB(detail types.BookDetail, chapters []types.ChapterContent) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// The mimetype entry must be first and uncompressed.
	mimetype, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, fmt.Errorf("epub mimetype: %w", err)
	}
	if _, err := mimetype.Write([]byte("application/epub+zip")); err != nil {
		return nil, fmt.Errorf("epub mimetype: %w", err)
	}

	entries := []struct{ name, body string }{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", packageDocument(detail, chapters)},
		{"OEBPS/nav.xhtml", navDocument(detail, chapters)},
	}
	for _, e := range entries {
		if err := writeEntry(zw, e.name, e.body); err != nil {
			return nil, err
		}
	}
	for i, ch := range chapters {
		if err := writeEntry(zw, chapterPath(i), chapterDocument(ch)); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("epub finalize: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name, body string) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("epub entry %s: %w", name, err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("epub entry %s: %w", name, err)
	}
	return nil
}

func chapterPath(i int) string {
	return fmt.Sprintf("OEBPS/text/chap%04d.xhtml", i+1)
}

func packageDocument(detail types.BookDetail, chapters []types.ChapterContent) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="book-id">` + "\n")
	b.WriteString("  <metadata xmlns:dc=\"http://purl.org/dc/elements/1.1/\">\n")
	fmt.Fprintf(&b, "    <dc:identifier id=\"book-id\">urn:noveldl:%s</dc:identifier>\n", bookID(detail))
	fmt.Fprintf(&b, "    <dc:title>%s</dc:title>\n", html.EscapeString(bookTitle(detail)))
	if detail.Author != "" {
		fmt.Fprintf(&b, "    <dc:creator>%s</dc:creator>\n", html.EscapeString(detail.Author))
	}
	b.WriteString("    <dc:language>und</dc:language>\n")
	fmt.Fprintf(&b, "    <meta property=\"dcterms:modified\">%s</meta>\n", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	b.WriteString("  </metadata>\n")

	b.WriteString("  <manifest>\n")
	b.WriteString(`    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>` + "\n")
	for i := range chapters {
		fmt.Fprintf(&b, "    <item id=\"chap%04d\" href=\"text/chap%04d.xhtml\" media-type=\"application/xhtml+xml\"/>\n", i+1, i+1)
	}
	b.WriteString("  </manifest>\n")

	b.WriteString("  <spine>\n")
	for i := range chapters {
		fmt.Fprintf(&b, "    <itemref idref=\"chap%04d\"/>\n", i+1)
	}
	b.WriteString("  </spine>\n")
	b.WriteString("</package>\n")
	return b.String()
}

func navDocument(detail types.BookDetail, chapters []types.ChapterContent) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE html>` + "\n")
	b.WriteString(`<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">` + "\n")
	fmt.Fprintf(&b, "<head><title>%s</title></head>\n", html.EscapeString(bookTitle(detail)))
	b.WriteString("<body>\n  <nav epub:type=\"toc\">\n    <ol>\n")
	for i, ch := range chapters {
		fmt.Fprintf(&b, "      <li><a href=\"text/chap%04d.xhtml\">%s</a></li>\n", i+1, html.EscapeString(ch.Title))
	}
	b.WriteString("    </ol>\n  </nav>\n</body>\n</html>\n")
	return b.String()
}

func chapterDocument(ch types.ChapterContent) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE html>` + "\n")
	b.WriteString(`<html xmlns="http://www.w3.org/1999/xhtml">` + "\n")
	fmt.Fprintf(&b, "<head><title>%s</title></head>\n<body>\n", html.EscapeString(ch.Title))
	fmt.Fprintf(&b, "  <h2>%s</h2>\n", html.EscapeString(ch.Title))
	if ch.Text == "" {
		fmt.Fprintf(&b, "  <p>%s</p>\n", html.EscapeString(placeholder(ch.Chapter)))
	} else {
		for _, line := range strings.Split(ch.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fmt.Fprintf(&b, "  <p>%s</p>\n", html.EscapeString(line))
		}
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func bookTitle(detail types.BookDetail) string {
	if strings.TrimSpace(detail.Title) == "" {
		return "Untitled"
	}
	return detail.Title
}

func bookID(detail types.BookDetail) string {
	h := fnv.New64a()
	h.Write([]byte(detail.Title))
	h.Write([]byte{0})
	h.Write([]byte(detail.Author))
	return fmt.Sprintf("%016x", h.Sum64())
}
