package throttle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRequiredDelayDecaysOnFastSuccesses(t *testing.T) {
	tr := New(Options{})
	const host = "https://fast.example.com/page"

	// Two failures push the delay above the floor without tripping the
	// success-rate penalty later in the sequence.
	tr.RecordFailure(host)
	tr.RecordFailure(host)

	prev := tr.RequiredDelay(host)
	for i := 0; i < 9; i++ {
		tr.RecordSuccess(host, 200*time.Millisecond)
		cur := tr.RequiredDelay(host)
		if cur > prev {
			t.Fatalf("delay increased after fast success: %s -> %s", prev, cur)
		}
		if cur < MinDelay {
			t.Fatalf("delay %s below MinDelay", cur)
		}
		prev = cur
	}
	if prev != MinDelay {
		t.Errorf("delay after repeated fast successes = %s, want %s", prev, MinDelay)
	}
}

func TestRequiredDelayGrowsOnFailures(t *testing.T) {
	tr := New(Options{})
	const host = "https://flaky.example.com"

	prev := tr.RequiredDelay(host)
	if prev != MinDelay {
		t.Fatalf("initial delay = %s, want %s", prev, MinDelay)
	}
	for i := 0; i < 15; i++ {
		tr.RecordFailure(host)
		cur := tr.RequiredDelay(host)
		if cur < prev {
			t.Fatalf("delay decreased on failure: %s -> %s", prev, cur)
		}
		if cur == prev && cur != MaxDelay {
			t.Fatalf("delay did not grow on failure below cap: %s", cur)
		}
		prev = cur
	}
	if prev != MaxDelay {
		t.Errorf("delay after repeated failures = %s, want cap %s", prev, MaxDelay)
	}
}

func TestRequiredDelayGrowsOnSlowSuccesses(t *testing.T) {
	tr := New(Options{})
	const host = "https://slow.example.com"

	tr.RecordSuccess(host, 5*time.Second)
	if got := tr.RequiredDelay(host); got <= MinDelay {
		t.Errorf("delay after slow response = %s, want > %s", got, MinDelay)
	}
}

func TestLowSuccessRatePenalty(t *testing.T) {
	tr := New(Options{})
	const host = "https://hostile.example.com"

	// Neutral latencies keep the base delay driven by failures alone.
	for i := 0; i < 8; i++ {
		tr.RecordSuccess(host, 2*time.Second)
	}
	for i := 0; i < 4; i++ {
		tr.RecordFailure(host)
	}

	stats, ok := tr.Stats(host)
	if !ok {
		t.Fatal("missing host stats")
	}
	want := time.Duration(float64(stats.Delay) * penaltyFactor)
	if want > MaxDelay {
		want = MaxDelay
	}
	if got := tr.RequiredDelay(host); got != want {
		t.Errorf("penalised delay = %s, want %s (base %s)", got, want, stats.Delay)
	}
	if stats.Successes != 8 || stats.Failures != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgLatency != 2*time.Second {
		t.Errorf("avg latency = %s", stats.AvgLatency)
	}
}

func TestHostsDoNotSerialize(t *testing.T) {
	tr := New(Options{})
	hostA := "https://a.example.com/"
	hostB := "https://b.example.com/"

	// Push both hosts to ~253ms and take the free first slot on each.
	for i := 0; i < 4; i++ {
		tr.RecordFailure(hostA)
		tr.RecordFailure(hostB)
	}
	ctx := context.Background()
	if err := tr.Acquire(ctx, hostA); err != nil {
		t.Fatal(err)
	}
	if err := tr.Acquire(ctx, hostB); err != nil {
		t.Fatal(err)
	}

	perHost := tr.RequiredDelay(hostA)
	start := time.Now()
	var wg sync.WaitGroup
	for _, h := range []string{hostA, hostB} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if err := tr.Acquire(ctx, u); err != nil {
				t.Error(err)
			}
		}(h)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Waiting happens per host: total wall time tracks one delay, not two.
	if elapsed >= 2*perHost {
		t.Errorf("hosts serialized: elapsed %s with per-host delay %s", elapsed, perHost)
	}
	if elapsed < perHost/2 {
		t.Errorf("acquire returned too early: %s", elapsed)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	tr := New(Options{})
	const host = "https://c.example.com/"
	for i := 0; i < 10; i++ {
		tr.RecordFailure(host)
	}
	ctx := context.Background()
	if err := tr.Acquire(ctx, host); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- tr.Acquire(cancelled, host) }()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context error")
		}
	case <-time.After(time.Second):
		t.Error("acquire did not return after cancel")
	}
}

func TestHostMapEviction(t *testing.T) {
	tr := New(Options{MaxHosts: 2, HostTTL: time.Hour})

	tr.RecordFailure("a.example.com")
	time.Sleep(2 * time.Millisecond)
	tr.RecordFailure("b.example.com")
	time.Sleep(2 * time.Millisecond)
	tr.RecordFailure("c.example.com")

	if _, ok := tr.Stats("a.example.com"); ok {
		t.Error("oldest host should have been evicted")
	}
	if _, ok := tr.Stats("c.example.com"); !ok {
		t.Error("newest host missing")
	}
}

func TestHostMapTTL(t *testing.T) {
	tr := New(Options{MaxHosts: 100, HostTTL: 10 * time.Millisecond})

	tr.RecordFailure("a.example.com")
	time.Sleep(25 * time.Millisecond)
	tr.RecordFailure("b.example.com")

	if _, ok := tr.Stats("a.example.com"); ok {
		t.Error("expired host should have been swept")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	tr := New(Options{RateLimit: RateLimit{Requests: 2, Window: 100 * time.Millisecond}})
	ctx := context.Background()

	// Distinct hosts so only the process-wide bucket can introduce waiting.
	start := time.Now()
	for _, u := range []string{"https://g1.example.com/", "https://g2.example.com/", "https://g3.example.com/"} {
		if err := tr.Acquire(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("third acquire should have been paced, elapsed %s", elapsed)
	}
}

func TestHostOf(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://WWW.Example.com/book/1.html", "www.example.com"},
		{"http://example.com:8080/x", "example.com"},
		{"bare-host.example.com", "bare-host.example.com"},
		{"bare-host.example.com/path", "bare-host.example.com"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := HostOf(tc.in); got != tc.want {
			t.Errorf("HostOf(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
