// Package extract executes extraction rules against fetched pages, turning
// arbitrary site HTML into typed search, detail, chapter-list, and chapter
// body records. Selector misses degrade to empty values; only network and
// parse failures surface, wrapped per stage.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/sl-wen/novel-sub001/internal/rules"
	"github.com/sl-wen/novel-sub001/pkg/types"
)

// Stage names used in failure wrapping.
const (
	StageSearch  = "search"
	StageDetail  = "detail"
	StageTOC     = "toc"
	StageChapter = "chapter"
)

// StageError reports a pipeline stage that failed after retries.
type StageError struct {
	Stage string
	URL   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s fetch failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fetcher is the page retrieval primitive behind every stage.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string) (*types.Page, error)
}

// Engine runs extraction stages for loaded rules.
type Engine struct {
	fetch  Fetcher
	logger *slog.Logger
}

// NewEngine builds an engine on top of a fetch client.
func NewEngine(fetch Fetcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{fetch: fetch, logger: logger.With("component", "extract")}
}

// Search runs one source's search stage and scores the hits against the
// keyword. Results come back ordered by descending score, document order
// breaking ties, truncated to max when max > 0.
func (e *Engine) Search(ctx context.Context, rule *rules.Rule, keyword string, max int) ([]types.SearchResult, error) {
	if rule.Search == nil || rule.Search.List.IsZero() {
		return nil, nil
	}
	searchURL, err := rule.SearchURL(keyword)
	if err != nil {
		return nil, err
	}
	doc, err := e.document(ctx, StageSearch, rule, searchURL)
	if err != nil {
		return nil, err
	}

	sr := rule.Search
	var out []types.SearchResult
	doc.FindMatcher(sr.List.Matcher()).Each(func(_ int, s *goquery.Selection) {
		title := fieldText(s, sr.Title)
		href := fieldURL(s, sr.URL)
		if title == "" && href == "" {
			return
		}
		res := types.SearchResult{
			SourceID:   rule.ID,
			SourceName: rule.Name,
			Title:      title,
			Author:     fieldText(s, sr.Author),
			URL:        rule.ResolveURL(href),
			Intro:      fieldText(s, sr.Intro),
		}
		res.Score = Score(keyword, res.Title, res.Author)
		out = append(out, res)
	})

	sortResults(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// SearchAll fans the search out across sources concurrently and merges the
// scored hits. Individual source failures are logged and tolerated.
func (e *Engine) SearchAll(ctx context.Context, srcs []*rules.Rule, keyword string, max int) []types.SearchResult {
	var (
		mu  sync.Mutex
		out []types.SearchResult
		wg  sync.WaitGroup
	)
	for _, rule := range srcs {
		if rule.Search == nil {
			continue
		}
		wg.Add(1)
		go func(rule *rules.Rule) {
			defer wg.Done()
			results, err := e.Search(ctx, rule, keyword, max)
			if err != nil {
				e.logger.Warn("source search failed", "source_id", rule.ID, "error", err)
				return
			}
			mu.Lock()
			out = append(out, results...)
			mu.Unlock()
		}(rule)
	}
	wg.Wait()

	sortResults(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Detail extracts book metadata from a detail page. Selector misses leave
// fields empty; an all-empty record is the caller's failure signal.
func (e *Engine) Detail(ctx context.Context, rule *rules.Rule, rawURL string) (types.BookDetail, error) {
	detail := types.BookDetail{SourceID: rule.ID, URL: rawURL}
	if rule.Detail == nil {
		return detail, nil
	}
	doc, err := e.document(ctx, StageDetail, rule, rawURL)
	if err != nil {
		return detail, err
	}

	d := rule.Detail
	root := doc.Selection
	detail.Title = fieldText(root, d.Title)
	detail.Author = fieldText(root, d.Author)
	detail.Intro = fieldText(root, d.Intro)
	detail.Category = fieldText(root, d.Category)
	detail.Status = fieldText(root, d.Status)
	return detail, nil
}

// TOC extracts the ordered chapter list reachable from a detail-page URL.
// Orders are assigned 1..n by document position; empty titles get a
// placeholder so numbering stays stable.
func (e *Engine) TOC(ctx context.Context, rule *rules.Rule, detailURL string) ([]types.Chapter, error) {
	if rule.TOC == nil || rule.TOC.List.IsZero() {
		return nil, nil
	}
	tocURL := rule.TOCURL(detailURL)
	doc, err := e.document(ctx, StageTOC, rule, tocURL)
	if err != nil {
		return nil, err
	}

	tr := rule.TOC
	var chapters []types.Chapter
	doc.FindMatcher(tr.List.Matcher()).Each(func(_ int, s *goquery.Selection) {
		title := fieldText(s, tr.Title)
		if title == "" && tr.Title.IsZero() {
			title = strings.TrimSpace(s.Text())
		}
		chapters = append(chapters, types.Chapter{
			SourceID: rule.ID,
			Title:    normalizeWhitespace(title),
			URL:      rule.ResolveURL(fieldURL(s, tr.URL)),
		})
	})

	for i := range chapters {
		chapters[i].Order = i + 1
		if chapters[i].Title == "" {
			chapters[i].Title = fmt.Sprintf("Chapter %d", i+1)
		}
	}
	return chapters, nil
}

// Chapter fetches one chapter page and returns its cleaned body text. A
// missing content container yields empty text, not an error.
func (e *Engine) Chapter(ctx context.Context, rule *rules.Rule, chapterURL string) (string, error) {
	if rule.Chapter == nil || rule.Chapter.Content.IsZero() {
		return "", nil
	}
	doc, err := e.document(ctx, StageChapter, rule, chapterURL)
	if err != nil {
		return "", err
	}
	container := doc.FindMatcher(rule.Chapter.Content.Matcher())
	if container.Length() == 0 {
		return "", nil
	}
	return CleanText(container, rule.NoiseFilters()), nil
}

// document fetches and parses one page for a stage.
func (e *Engine) document(ctx context.Context, stage string, rule *rules.Rule, rawURL string) (*goquery.Document, error) {
	page, err := e.fetch.Fetch(ctx, rawURL, rule.Headers)
	if err != nil {
		return nil, &StageError{Stage: stage, URL: rawURL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &StageError{Stage: stage, URL: rawURL, Err: fmt.Errorf("parse html: %w", err)}
	}
	return doc, nil
}

// fieldText evaluates a selector under root. Meta selectors read the
// matched tag's content attribute, CSS selectors its text.
func fieldText(root *goquery.Selection, sel rules.Selector) string {
	if sel.IsZero() {
		return ""
	}
	found := root.FindMatcher(sel.Matcher())
	if found.Length() == 0 {
		return ""
	}
	if sel.Kind() == rules.KindMeta {
		return strings.TrimSpace(found.First().AttrOr("content", ""))
	}
	return strings.TrimSpace(found.First().Text())
}

// fieldURL evaluates a selector expected to yield a link. A zero selector
// falls back to the node itself, covering lists whose items are anchors.
func fieldURL(root *goquery.Selection, sel rules.Selector) string {
	target := root
	if !sel.IsZero() {
		if sel.Kind() == rules.KindMeta {
			found := root.FindMatcher(sel.Matcher())
			return strings.TrimSpace(found.First().AttrOr("content", ""))
		}
		target = root.FindMatcher(sel.Matcher()).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if href, ok := target.Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	if href, ok := target.Find("a").First().Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	return ""
}

// sortResults orders by descending score. The sort is stable, so document
// order survives within a source; across sources ties fall back to id.
func sortResults(rs []types.SearchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].SourceID < rs[j].SourceID
	})
}
