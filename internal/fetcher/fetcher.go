// Package fetcher performs throttled, retried HTTP fetches and hands back
// pages decoded to UTF-8.
package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"github.com/sl-wen/novel-sub001/internal/retry"
	"github.com/sl-wen/novel-sub001/internal/throttle"
	"github.com/sl-wen/novel-sub001/pkg/types"
)

// ErrRobotsDisallowed reports a URL the robots policy forbids fetching.
var ErrRobotsDisallowed = errors.New("blocked by robots.txt")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) from %s", e.Code, http.StatusText(e.Code), e.URL)
}

// HTTPStatus implements the classification hook used by retry.
func (e *StatusError) HTTPStatus() int { return e.Code }

// RobotsPolicy answers whether a URL may be fetched. Implementations must
// be safe for concurrent use.
type RobotsPolicy interface {
	Allow(ctx context.Context, u *url.URL) bool
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string

	Throttle *throttle.Throttle
	Retry    retry.Policy
	Robots   RobotsPolicy
	Logger   *slog.Logger
}

// Client is the fetch primitive behind every pipeline stage. Each fetch
// waits for the host's throttle slot, and failed attempts are retried per
// the retry policy with the host's delay fed back on each outcome.
type Client struct {
	http         *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	throttle     *throttle.Throttle
	retry        retry.Policy
	robots       RobotsPolicy
	logger       *slog.Logger
}

// New constructs a fetch client using the provided options.
func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 * 1024 * 1024
	}
	if opts.Throttle == nil {
		opts.Throttle = throttle.New(throttle.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Client{
		http:         client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		throttle:     opts.Throttle,
		retry:        opts.Retry,
		robots:       opts.Robots,
		logger:       opts.Logger.With("component", "fetcher"),
	}, nil
}

// Fetch downloads rawURL, retrying per policy. Extra headers override the
// client-level ones for this request only.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*types.Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", rawURL)
	}
	if c.robots != nil && !c.robots.Allow(ctx, u) {
		return nil, fmt.Errorf("%w: %s", ErrRobotsDisallowed, rawURL)
	}

	return retry.Do(ctx, c.retry, func(ctx context.Context) (*types.Page, error) {
		page, err := c.attempt(ctx, u, headers)
		if err != nil {
			c.logger.Debug("fetch attempt failed", "url", rawURL, "error", err)
		}
		return page, err
	})
}

// attempt is one throttled request. Outcomes feed the host throttle.
func (c *Client) attempt(ctx context.Context, u *url.URL, headers map[string]string) (*types.Page, error) {
	target := u.String()
	if err := c.throttle.Acquire(ctx, target); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.throttle.RecordFailure(target)
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		c.throttle.RecordFailure(target)
		return nil, &StatusError{Code: resp.StatusCode, URL: target}
	}

	raw, err := c.readBody(resp)
	if err != nil {
		c.throttle.RecordFailure(target)
		return nil, err
	}
	elapsed := time.Since(start)
	c.throttle.RecordSuccess(target, elapsed)

	contentType := resp.Header.Get("Content-Type")
	body, charsetName := decodeCharset(raw, contentType)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w from %s", retry.ErrEmptyResult, u.Host)
	}

	finalURL := u
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &types.Page{
		URL:             u,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     contentType,
		Charset:         charsetName,
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: elapsed,
	}, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, c.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.maxBodyBytes)
	}
	return body, nil
}

// decodeCharset converts raw to UTF-8 using the response content type and
// the page's own declarations. Conversion failures fall back to the raw
// bytes; novel sites frequently serve GBK or Big5.
func decodeCharset(raw []byte, contentType string) ([]byte, string) {
	enc, name, _ := charset.DetermineEncoding(raw, contentType)
	if name == "utf-8" || enc == nil {
		return raw, name
	}
	converted, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return raw, name
	}
	return converted, name
}
