package types

// SearchResult is one hit extracted from a source's search listing.
type SearchResult struct {
	SourceID   int     `json:"source_id"`
	SourceName string  `json:"source_name"`
	Title      string  `json:"title"`
	Author     string  `json:"author"`
	URL        string  `json:"url"`
	Intro      string  `json:"intro,omitempty"`
	Score      float64 `json:"score"`
}

// BookDetail carries the metadata extracted from a book's detail page.
type BookDetail struct {
	SourceID int    `json:"source_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Intro    string `json:"intro,omitempty"`
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Empty reports whether extraction produced nothing usable. Callers treat
// an empty detail record as the page not matching the rule.
func (d BookDetail) Empty() bool {
	return d.Title == "" && d.Author == "" && d.Intro == ""
}

// Chapter is one table-of-contents entry. Order is the 1-based position in
// the listing and defines final assembly order regardless of fetch order.
type Chapter struct {
	SourceID int    `json:"source_id"`
	Order    int    `json:"order"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

// ChapterContent pairs a table-of-contents entry with its cleaned body text.
type ChapterContent struct {
	Chapter
	Text string `json:"text"`
}
