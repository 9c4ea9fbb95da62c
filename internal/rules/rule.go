// Package rules models the declarative per-site extraction rules and loads
// them from JSON files. Selectors, URL transforms, and noise filters are
// compiled once at load; loaded rules are immutable.
package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Rule describes how to search, and how to extract detail pages, chapter
// lists, and chapter bodies, for one source website. Any stage may be
// absent; extraction against an absent stage degrades to empty results.
type Rule struct {
	ID      int               `json:"id"`
	Name    string            `json:"name"`
	BaseURL string            `json:"base_url"`
	Headers map[string]string `json:"headers,omitempty"`
	Search  *SearchRule       `json:"search,omitempty"`
	Detail  *DetailRule       `json:"detail,omitempty"`
	TOC     *TOCRule          `json:"toc,omitempty"`
	Chapter *ChapterRule      `json:"chapter,omitempty"`

	base *url.URL
}

// SearchRule drives the search stage. URLTemplate contains a {keyword}
// placeholder substituted with the query-escaped search term.
type SearchRule struct {
	URLTemplate string   `json:"url"`
	List        Selector `json:"list"`
	Title       Selector `json:"title"`
	Author      Selector `json:"author"`
	URL         Selector `json:"url_selector"`
	Intro       Selector `json:"intro"`
}

// DetailRule selects book metadata fields on a detail page.
type DetailRule struct {
	Title    Selector `json:"title"`
	Author   Selector `json:"author"`
	Intro    Selector `json:"intro"`
	Category Selector `json:"category"`
	Status   Selector `json:"status"`
}

// TOCRule selects the chapter listing. Transform, when present, derives the
// listing URL from the detail-page URL.
type TOCRule struct {
	List      Selector      `json:"list"`
	Title     Selector      `json:"title"`
	URL       Selector      `json:"url_selector"`
	Transform *URLTransform `json:"url_transform,omitempty"`
}

// ChapterRule selects the chapter body. Filters are regular expressions;
// body lines matching any of them are dropped as site boilerplate.
type ChapterRule struct {
	Content Selector `json:"content"`
	Filters []string `json:"filters,omitempty"`

	compiled []*regexp.Regexp
}

// compile resolves the base URL and compiles transforms and filters. It is
// called once by the loader; rules are read-only afterwards.
func (r *Rule) compile() error {
	base, err := url.Parse(r.BaseURL)
	if err != nil {
		return fmt.Errorf("rule %d: parse base_url %q: %w", r.ID, r.BaseURL, err)
	}
	if !base.IsAbs() {
		return fmt.Errorf("rule %d: base_url %q is not absolute", r.ID, r.BaseURL)
	}
	r.base = base

	if r.TOC != nil {
		if err := r.TOC.Transform.compile(); err != nil {
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
	}
	if r.Chapter != nil {
		for _, raw := range r.Chapter.Filters {
			re, err := regexp.Compile(raw)
			if err != nil {
				return fmt.Errorf("rule %d: compile filter %q: %w", r.ID, raw, err)
			}
			r.Chapter.compiled = append(r.Chapter.compiled, re)
		}
	}
	return nil
}

func (r *Rule) validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("rule %q: id must be > 0 (got %d)", r.Name, r.ID)
	}
	if strings.TrimSpace(r.BaseURL) == "" {
		return fmt.Errorf("rule %d: base_url must be set", r.ID)
	}
	if r.Search != nil && strings.TrimSpace(r.Search.URLTemplate) == "" {
		return fmt.Errorf("rule %d: search.url must be set", r.ID)
	}
	return nil
}

// Base returns the parsed base URL.
func (r *Rule) Base() *url.URL { return r.base }

// ResolveURL resolves href against the rule's base URL, returning absolute
// hrefs unchanged and empty input as empty.
func (r *Rule) ResolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if r.base == nil {
		return href
	}
	return r.base.ResolveReference(ref).String()
}

// SearchURL builds the search query URL for keyword.
func (r *Rule) SearchURL(keyword string) (string, error) {
	if r.Search == nil || r.Search.URLTemplate == "" {
		return "", fmt.Errorf("rule %d: search is not configured", r.ID)
	}
	escaped := url.QueryEscape(keyword)
	tmpl := r.Search.URLTemplate
	switch {
	case strings.Contains(tmpl, "{keyword}"):
		tmpl = strings.ReplaceAll(tmpl, "{keyword}", escaped)
	case strings.Contains(tmpl, "%s"):
		tmpl = strings.ReplaceAll(tmpl, "%s", escaped)
	default:
		return "", fmt.Errorf("rule %d: search.url has no keyword placeholder", r.ID)
	}
	return r.ResolveURL(tmpl), nil
}

// TOCURL derives the chapter-list URL from a detail-page URL.
func (r *Rule) TOCURL(detailURL string) string {
	if r.TOC == nil {
		return detailURL
	}
	return r.TOC.Transform.Apply(detailURL)
}

// NoiseFilters returns the compiled chapter body filters.
func (r *Rule) NoiseFilters() []*regexp.Regexp {
	if r.Chapter == nil {
		return nil
	}
	return r.Chapter.compiled
}

// Capabilities lists the stages this rule supports, for diagnostics.
func (r *Rule) Capabilities() []string {
	caps := make([]string, 0, 4)
	if r.Search != nil {
		caps = append(caps, "search")
	}
	if r.Detail != nil {
		caps = append(caps, "detail")
	}
	if r.TOC != nil {
		caps = append(caps, "toc")
	}
	if r.Chapter != nil {
		caps = append(caps, "chapter")
	}
	return caps
}
