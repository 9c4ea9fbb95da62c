package types

import (
	"net/http"
	"net/url"
	"time"
)

// Page represents one fetched document, decoded to UTF-8.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	Charset         string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	ResponseLatency time.Duration
}

// Text returns the body as a string.
func (p *Page) Text() string {
	if p == nil {
		return ""
	}
	return string(p.Body)
}
