package download

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sl-wen/novel-sub001/internal/assemble"
	"github.com/sl-wen/novel-sub001/internal/rules"
	"github.com/sl-wen/novel-sub001/pkg/types"
)

// run drives one task through detail, toc, chapter fan-out, and assembly.
// A detail or toc failure aborts the task; individual chapter failures are
// tolerated up to the configured ratio and rendered as placeholders.
func (m *Manager) run(t *Task, rule *rules.Rule) {
	ctx := t.ctx
	logger := m.logger.With("task_id", t.id, "source_id", rule.ID)

	detail, err := m.engine.Detail(ctx, rule, t.bookURL)
	if err != nil {
		m.finishFailed(t, logger, err.Error())
		return
	}
	if detail.Empty() {
		m.finishFailed(t, logger, "detail page yielded no book metadata")
		return
	}
	t.setBook(detail.Title, detail.Author)

	chapters, err := m.engine.TOC(ctx, rule, t.bookURL)
	if err != nil {
		m.finishFailed(t, logger, err.Error())
		return
	}
	if len(chapters) == 0 {
		m.finishFailed(t, logger, "toc yielded no chapters")
		return
	}

	t.total.Store(int64(len(chapters)))
	t.markRunning()
	logger.Info("chapter fan-out", "title", detail.Title, "chapters", len(chapters))

	contents := make([]types.ChapterContent, len(chapters))
	var wg sync.WaitGroup
	for i, ch := range chapters {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := m.pool.Submit(ctx, func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			text, cerr := m.engine.Chapter(ctx, rule, ch.URL)
			text = strings.TrimSpace(text)
			if cerr != nil || text == "" {
				t.failures.Add(1)
				text = ""
				if cerr != nil {
					logger.Warn("chapter failed", "order", ch.Order, "url", ch.URL, "error", cerr)
				} else {
					logger.Warn("chapter empty", "order", ch.Order, "url", ch.URL)
				}
			}
			contents[i] = types.ChapterContent{Chapter: ch, Text: text}
			t.attempted.Add(1)
		})
		if err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		t.Cancel()
		logger.Info("download stopped", "done", t.attempted.Load(), "total", len(chapters))
		return
	}

	total := len(chapters)
	failed := int(t.failures.Load())
	if ratio := float64(failed) / float64(total); ratio > m.tolerance {
		m.finishFailed(t, logger, fmt.Sprintf("%d/%d chapters failed", failed, total))
		return
	}

	data, err := assemble.Book(t.format, detail, contents)
	if err != nil {
		m.finishFailed(t, logger, err.Error())
		return
	}
	if len(data) == 0 {
		m.finishFailed(t, logger, "assembled document is empty")
		return
	}

	filename := assemble.Filename(detail.Title, t.format)
	var path string
	if m.store != nil {
		saved, serr := m.store.Save(ctx, filename, data)
		if serr != nil {
			logger.Warn("book not persisted", "filename", filename, "error", serr)
		} else {
			path = saved
		}
	}
	if t.complete(data, filename, path) {
		logger.Info("download completed",
			"chapters", total, "failed", failed, "bytes", len(data), "filename", filename, "path", path)
	}
}

func (m *Manager) finishFailed(t *Task, logger *slog.Logger, msg string) {
	if t.fail(msg) {
		logger.Warn("download failed", "error", msg)
	}
}
