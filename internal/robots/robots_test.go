package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/sl-wen/novel-sub001/internal/config"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestAllowRespectsDisallowRules(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-bot"}, srv.Client())
	ctx := context.Background()

	if agent.Allow(ctx, mustParse(t, srv.URL+"/private/book.html")) {
		t.Error("disallowed path should be blocked")
	}
	if !agent.Allow(ctx, mustParse(t, srv.URL+"/public/book.html")) {
		t.Error("allowed path should pass")
	}
	// Second lookup for the same host comes from cache.
	if got := fetches.Load(); got != 1 {
		t.Errorf("robots.txt fetched %d times, want 1", got)
	}
}

func TestAllowFailsOpenOnMissingRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-bot"}, srv.Client())
	if !agent.Allow(context.Background(), mustParse(t, srv.URL+"/anything")) {
		t.Error("missing robots.txt should allow everything")
	}
}

func TestAllowOverrideBypassesRules(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	host := mustParse(t, srv.URL).Hostname()
	agent := NewAgent(config.RobotsConfig{
		Respect:   true,
		UserAgent: "test-bot",
		Overrides: []string{host},
	}, srv.Client())

	if !agent.Allow(context.Background(), mustParse(t, srv.URL+"/x")) {
		t.Error("override host should bypass robots")
	}
	if fetches.Load() != 0 {
		t.Error("override should not trigger a robots fetch")
	}
}

func TestAllowDisabledPolicySkipsFetch(t *testing.T) {
	agent := NewAgent(config.RobotsConfig{Respect: false}, nil)
	if !agent.Allow(context.Background(), mustParse(t, "https://example.com/x")) {
		t.Error("disabled policy should allow")
	}
}

func TestPurgeForcesRefetch(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-bot"}, srv.Client())
	target := mustParse(t, srv.URL+"/x")
	ctx := context.Background()

	agent.Allow(ctx, target)
	agent.Purge(mustParse(t, srv.URL).Host)
	agent.Allow(ctx, target)

	if got := fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2 after purge", got)
	}
}
