package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/sl-wen/novel-sub001/internal/logging"
	"github.com/sl-wen/novel-sub001/internal/retry"
)

func testClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	opts.Logger = logging.Discard()
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Source"); got != "rule-11" {
			t.Errorf("X-Source = %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	c := testClient(t, Options{UserAgent: "test-agent"})
	page, err := c.Fetch(context.Background(), srv.URL, map[string]string{"X-Source": "rule-11"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(page.Text(), "hello") {
		t.Errorf("body = %q", page.Text())
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("status = %d", page.StatusCode)
	}
	if page.ResponseLatency <= 0 {
		t.Error("latency not recorded")
	}
}

func TestFetchDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<p>compressed chapter text</p>"))
		gz.Close()
	}))
	defer srv.Close()

	c := testClient(t, Options{})
	page, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(page.Text(), "compressed chapter text") {
		t.Errorf("body = %q", page.Text())
	}
}

func TestFetchDecodesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.Header().Set("Content-Type", "text/html")
		bw := brotli.NewWriter(w)
		bw.Write([]byte("<p>brotli chapter text</p>"))
		bw.Close()
	}))
	defer srv.Close()

	c := testClient(t, Options{})
	page, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(page.Text(), "brotli chapter text") {
		t.Errorf("body = %q", page.Text())
	}
}

func TestFetchConvertsGBK(t *testing.T) {
	const text = "第一章 初入宗门"
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("<html><body>" + text + "</body></html>"))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=gbk")
		w.Write(gbk)
	}))
	defer srv.Close()

	c := testClient(t, Options{})
	page, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(page.Text(), text) {
		t.Errorf("body not converted to UTF-8: %q", page.Text())
	}
	if page.Charset != "gbk" {
		t.Errorf("charset = %q, want gbk", page.Charset)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "backend unavailable", http.StatusBadGateway)
			return
		}
		w.Write([]byte("<p>recovered</p>"))
	}))
	defer srv.Close()

	c := testClient(t, Options{})
	page, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if !strings.Contains(page.Text(), "recovered") {
		t.Errorf("body = %q", page.Text())
	}
}

func TestFetchShortCircuitsNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(t, Options{})
	_, err := c.Fetch(context.Background(), srv.URL, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (404 must not be retried)", got)
	}
}

func TestFetchRetriesEmptyBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.Write([]byte("   \n"))
			return
		}
		w.Write([]byte("<p>late content</p>"))
	}))
	defer srv.Close()

	c := testClient(t, Options{})
	page, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (empty body is a soft failure)", got)
	}
	if !strings.Contains(page.Text(), "late content") {
		t.Errorf("body = %q", page.Text())
	}
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	c := testClient(t, Options{
		MaxBodyBytes: 1024,
		Retry:        retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if _, err := c.Fetch(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected body limit error")
	}
}

type denyAll struct{}

func (denyAll) Allow(context.Context, *url.URL) bool { return false }

func TestFetchRobotsGate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := testClient(t, Options{Robots: denyAll{}})
	_, err := c.Fetch(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrRobotsDisallowed) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 0 {
		t.Error("server should not have been contacted")
	}
}

func TestFetchRejectsRelativeURL(t *testing.T) {
	c := testClient(t, Options{})
	if _, err := c.Fetch(context.Background(), "/chapter/1.html", nil); err == nil {
		t.Fatal("expected error for relative url")
	}
}
