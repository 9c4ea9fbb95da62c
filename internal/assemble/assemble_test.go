package assemble

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sl-wen/novel-sub001/pkg/types"
)

func sampleBook() (types.BookDetail, []types.ChapterContent) {
	detail := types.BookDetail{
		Title:  "斗破苍穹",
		Author: "天蚕土豆",
		Intro:  "这里是属于斗气的世界。",
	}
	chapters := []types.ChapterContent{
		{Chapter: types.Chapter{Order: 1, Title: "第一章 陨落的天才"}, Text: "斗之力，三段。\n萧炎盯着测验魔石碑。"},
		{Chapter: types.Chapter{Order: 2, Title: "第二章 斗气大陆"}, Text: ""},
		{Chapter: types.Chapter{Order: 3, Title: "第三章 客人"}, Text: "客人来了。"},
	}
	return detail, chapters
}

func TestBookTXTOrderAndPlaceholder(t *testing.T) {
	detail, chapters := sampleBook()
	// Feed chapters out of order; assembly must go by Order.
	shuffled := []types.ChapterContent{chapters[2], chapters[0], chapters[1]}

	data, err := Book(FormatTXT, detail, shuffled)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)

	if !strings.HasPrefix(text, "斗破苍穹\n天蚕土豆\n") {
		t.Errorf("header missing: %q", text[:min(len(text), 60)])
	}
	first := strings.Index(text, "第一章 陨落的天才")
	second := strings.Index(text, "第二章 斗气大陆")
	third := strings.Index(text, "第三章 客人")
	if first < 0 || second < 0 || third < 0 || !(first < second && second < third) {
		t.Errorf("chapter order wrong: %d %d %d", first, second, third)
	}
	if !strings.Contains(text, "[missing: 第二章 斗气大陆]") {
		t.Error("placeholder for failed chapter missing")
	}
	if !strings.Contains(text, "萧炎盯着测验魔石碑。") {
		t.Error("chapter body missing")
	}
}

func TestBookTXTFallbackTitle(t *testing.T) {
	data, err := Book(FormatTXT, types.BookDetail{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "Untitled\n") {
		t.Errorf("got %q", data)
	}
}

func TestBookRejectsUnknownFormat(t *testing.T) {
	if _, err := Book("pdf", types.BookDetail{Title: "x"}, nil); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if Supported("pdf") || !Supported("txt") || !Supported("epub") {
		t.Error("Supported misclassifies formats")
	}
}

func TestBookEPUBStructure(t *testing.T) {
	detail, chapters := sampleBook()
	data, err := Book(FormatEPUB, detail, chapters)
	if err != nil {
		t.Fatal(err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) == 0 {
		t.Fatal("empty archive")
	}
	first := zr.File[0]
	if first.Name != "mimetype" || first.Method != zip.Store {
		t.Errorf("first entry = %q method %d", first.Name, first.Method)
	}
	if got := readZipEntry(t, zr, "mimetype"); got != "application/epub+zip" {
		t.Errorf("mimetype = %q", got)
	}

	opf := readZipEntry(t, zr, "OEBPS/content.opf")
	if !strings.Contains(opf, "<dc:title>斗破苍穹</dc:title>") {
		t.Error("title missing from package document")
	}
	if !strings.Contains(opf, `<itemref idref="chap0001"/>`) ||
		!strings.Contains(opf, `<itemref idref="chap0003"/>`) {
		t.Error("spine entries missing")
	}
	spine1 := strings.Index(opf, `idref="chap0001"`)
	spine3 := strings.Index(opf, `idref="chap0003"`)
	if spine1 < 0 || spine3 < 0 || spine1 > spine3 {
		t.Error("spine out of order")
	}

	if got := readZipEntry(t, zr, "META-INF/container.xml"); !strings.Contains(got, "OEBPS/content.opf") {
		t.Error("container does not point at package document")
	}

	ch1 := readZipEntry(t, zr, "OEBPS/text/chap0001.xhtml")
	if !strings.Contains(ch1, "<p>斗之力，三段。</p>") {
		t.Errorf("chapter body not paragraphized: %s", ch1)
	}
	ch2 := readZipEntry(t, zr, "OEBPS/text/chap0002.xhtml")
	if !strings.Contains(ch2, "[missing: 第二章 斗气大陆]") {
		t.Error("epub placeholder missing")
	}
}

func TestBookEPUBEscapesMarkup(t *testing.T) {
	detail := types.BookDetail{Title: `AT&T <special> "quotes"`}
	chapters := []types.ChapterContent{
		{Chapter: types.Chapter{Order: 1, Title: "a < b"}, Text: "x & y"},
	}
	data, err := Book(FormatEPUB, detail, chapters)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	opf := readZipEntry(t, zr, "OEBPS/content.opf")
	if strings.Contains(opf, "<special>") || !strings.Contains(opf, "AT&amp;T") {
		t.Error("title not escaped in package document")
	}
	ch := readZipEntry(t, zr, "OEBPS/text/chap0001.xhtml")
	if !strings.Contains(ch, "x &amp; y") {
		t.Error("body not escaped")
	}
}

func TestFilename(t *testing.T) {
	cases := []struct {
		title, format, want string
	}{
		{"斗破苍穹", "txt", "斗破苍穹.txt"},
		{"a/b\\c:d", "epub", "a_b_c_d.epub"},
		{"  spaced   out  ", "txt", "spaced out.txt"},
		{"", "txt", "book.txt"},
		{"...", "txt", "book.txt"},
	}
	for _, tc := range cases {
		if got := Filename(tc.title, tc.format); got != tc.want {
			t.Errorf("Filename(%q, %q) = %q, want %q", tc.title, tc.format, got, tc.want)
		}
	}
}

func readZipEntry(t *testing.T, zr *zip.Reader, name string) string {
	t.Helper()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
	t.Fatalf("entry %q not found", name)
	return ""
}
