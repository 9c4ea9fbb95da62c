package api

import "github.com/sl-wen/novel-sub001/pkg/types"

// StartDownloadRequest is the payload for POST /api/downloads.
type StartDownloadRequest struct {
	URL      string `json:"url"`
	SourceID int    `json:"source_id"`
	Format   string `json:"format,omitempty"`
}

// SourceInfo describes one loaded source rule.
type SourceInfo struct {
	ID           int      `json:"id"`
	Name         string   `json:"name"`
	BaseURL      string   `json:"base_url"`
	Capabilities []string `json:"capabilities"`
}

// SearchResponse wraps ranked search hits.
type SearchResponse struct {
	Keyword string               `json:"keyword"`
	Count   int                  `json:"count"`
	Results []types.SearchResult `json:"results"`
}

// TOCResponse wraps an ordered chapter listing.
type TOCResponse struct {
	URL      string          `json:"url"`
	SourceID int             `json:"source_id"`
	Count    int             `json:"count"`
	Chapters []types.Chapter `json:"chapters"`
}

// ChapterResponse carries one chapter's cleaned body text.
type ChapterResponse struct {
	URL      string `json:"url"`
	SourceID int    `json:"source_id"`
	Text     string `json:"text"`
}
