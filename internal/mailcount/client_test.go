package mailcount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "mailnag.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestClient(t *testing.T, st store.Store, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:    srv.URL,
		Label:      "_UNTREATED",
		RatePerSec: 100,
	}, st, StaticToken("test-token"), logx.Nop())
	return c, srv
}

func threadsPage(n int, next string) []byte {
	type thread struct {
		ID string `json:"id"`
	}
	var page struct {
		NextPageToken string   `json:"nextPageToken,omitempty"`
		Threads       []thread `json:"threads,omitempty"`
	}
	for i := 0; i < n; i++ {
		page.Threads = append(page.Threads, thread{ID: fmt.Sprintf("t%d", i)})
	}
	page.NextPageToken = next
	b, _ := json.Marshal(page)
	return b
}

func TestCountUsesCacheWhenNotExact(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutCount(ctx, "me@example.com", store.CountEntry{Count: 11, CapturedAt: time.Now()}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	var hits atomic.Int32
	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(threadsPage(3, ""))
	}))

	got, err := c.Count(ctx, "me@example.com", Options{Exact: false, UseCache: true})
	if err != nil || got != 11 {
		t.Fatalf("Count = %d, %v; want cached 11", got, err)
	}
	if hits.Load() != 0 {
		t.Fatalf("cache hit should not touch the network; hits = %d", hits.Load())
	}

	// Exact ignores the cache.
	got, err = c.Count(ctx, "me@example.com", Options{Exact: true, UseCache: true})
	if err != nil || got != 3 {
		t.Fatalf("exact Count = %d, %v", got, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("exact count should fetch; hits = %d", hits.Load())
	}
}

func TestCountFollowsPagination(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "" {
			t.Errorf("missing search query")
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			_, _ = w.Write(threadsPage(500, "page2"))
		case "page2":
			_, _ = w.Write(threadsPage(17, "page3"))
		case "page3":
			// Final page is empty: must contribute zero, not abort.
			_, _ = w.Write(threadsPage(0, ""))
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	got, err := c.Count(context.Background(), "me@example.com", Options{Exact: true})
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if got != 517 {
		t.Fatalf("Count = %d, want 517", got)
	}

	// Exact result lands in the cache.
	e, ok, err := st.GetCount(context.Background(), "me@example.com")
	if err != nil || !ok || e.Count != 517 {
		t.Fatalf("cache after exact count = %+v, %v, %v", e, ok, err)
	}
}

func TestConcurrentExactCountSharesOneFetch(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	var fetches atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		close(arrived)
		<-release
		_, _ = w.Write(threadsPage(7, ""))
	}))

	ctx := context.Background()
	results := make([]int, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Count(ctx, "me@example.com", Options{Exact: true})
	}()

	// Wait for the first call to be in flight, then issue the second: it
	// must attach to the shared pending result, not fetch again.
	<-arrived
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.Count(ctx, "me@example.com", Options{Exact: true})
	}()

	// Give the second caller a moment to register, then let the server
	// answer.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i] != 7 {
			t.Fatalf("caller %d: got %d, %v", i, results[i], errs[i])
		}
	}
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}
}

func TestRateLimitPersistsBackoffAndFailsFast(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	var hits atomic.Int32
	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx := context.Background()
	_, err := c.Count(ctx, "me@example.com", Options{Exact: true})
	if !errors.Is(err, ErrBackingOff) {
		t.Fatalf("expected ErrBackingOff, got %v", err)
	}

	until, ok, err := st.GetBackoff(ctx, store.ClassCount)
	if err != nil || !ok {
		t.Fatalf("backoff not persisted: %v, %v", ok, err)
	}
	lo, hi := time.Now().Add(110*time.Second), time.Now().Add(130*time.Second)
	if until.Before(lo) || until.After(hi) {
		t.Fatalf("backoff until = %v, want ~now+120s", until)
	}

	// Second call must fail fast without touching the network.
	_, err = c.Count(ctx, "me@example.com", Options{Exact: true})
	if !errors.Is(err, ErrBackingOff) {
		t.Fatalf("expected fail-fast ErrBackingOff, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 (backoff must skip the call)", hits.Load())
	}
}

func TestRetryUntilParsing(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, time.August, 28, 16, 0, 0, 0, time.UTC)
	c := New(Config{BackoffFallback: 2 * time.Minute}, nil, StaticToken("x"), logx.Nop())
	c.SetClock(func() time.Time { return base })

	tests := []struct {
		name   string
		header string
		body   string
		want   time.Time
	}{
		{"header seconds", "90", "", base.Add(90 * time.Second)},
		{"header http date", base.Add(5 * time.Minute).Format(time.RFC1123), "", base.Add(5 * time.Minute)},
		{"body phrase", "", "Rate exceeded. Retry after 2026-08-28T16:10:00Z", base.Add(10 * time.Minute)},
		{"fallback", "", "slow down", base.Add(2 * time.Minute)},
		{"garbage header falls through", "soon", "", base.Add(2 * time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.retryUntil(tt.header, tt.body)
			if !got.Equal(tt.want) {
				t.Fatalf("retryUntil = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRefreshFallsBackToCache(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutCount(ctx, "me@example.com", store.CountEntry{Count: 5, CapturedAt: time.Now()}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if got := c.Refresh(ctx, "me@example.com"); got != 5 {
		t.Fatalf("Refresh = %d, want cached 5", got)
	}
}

func TestIdentityResolvedOnceThenCached(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	var hits atomic.Int32
	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{"emailAddress": "Me@Example.COM"}`))
	}))

	ctx := context.Background()
	id, err := c.Identity(ctx)
	if err != nil || id != "me@example.com" {
		t.Fatalf("Identity = %q, %v", id, err)
	}
	if id2, err := c.Identity(ctx); err != nil || id2 != id {
		t.Fatalf("second Identity = %q, %v", id2, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}

	// A fresh client over the same store resolves from the persisted cache.
	c2 := New(Config{BaseURL: "http://unreachable.invalid"}, st, StaticToken("x"), logx.Nop())
	if id3, err := c2.Identity(ctx); err != nil || id3 != id {
		t.Fatalf("persisted Identity = %q, %v", id3, err)
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	c, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxResults") != "1" {
			t.Errorf("estimate should request a single result")
		}
		_, _ = w.Write([]byte(`{"resultSizeEstimate": 42}`))
	}))
	if got := c.Estimate(context.Background()); got != 42 {
		t.Fatalf("Estimate = %d, want 42", got)
	}

	bad, _ := newTestClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	if got := bad.Estimate(context.Background()); got != 0 {
		t.Fatalf("failed Estimate = %d, want 0", got)
	}
}
