// Package mailcount wraps the remote mailbox service's count and profile
// endpoints behind caching, persisted rate-limit backoff, and in-flight
// de-duplication, so the rest of the daemon can ask for the backlog count as
// often as it likes without hammering a rate-limited API.
package mailcount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

var (
	// ErrBackingOff marks calls refused (or previously refused) by the
	// remote rate limiter. Not an error worth surfacing to the user.
	ErrBackingOff = errors.New("remote endpoint backing off")
	// ErrNoIdentity means the authenticated mailbox address could not be
	// resolved (no token, backoff, or transport failure).
	ErrNoIdentity = errors.New("mailbox identity unavailable")
)

// TokenProvider yields a bearer token for the remote API.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields tok.
func StaticToken(tok string) TokenProvider {
	return func(context.Context) (string, error) { return tok, nil }
}

// FileToken returns a provider that reads the token from path on every call,
// so external token refreshers just rewrite the file.
func FileToken(path string) TokenProvider {
	return func(context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("token file: %w", err)
		}
		tok := strings.TrimSpace(string(b))
		if tok == "" {
			return "", errors.New("token file is empty")
		}
		return tok, nil
	}
}

type Config struct {
	BaseURL string
	Label   string

	RatePerSec      int
	BackoffFallback time.Duration // applied when a 429 carries no retry hint
	Timeout         time.Duration
}

// Options control a single Count call.
type Options struct {
	Exact    bool
	UseCache bool
}

// Client is safe for concurrent use. All durable side effects (count cache,
// backoff marks, identity cache) are written through the store before the
// call returns, so a restart at any point only loses in-flight work.
type Client struct {
	cfg   Config
	log   logx.Logger
	store store.Store // may be nil (storage disabled)
	hc    *http.Client
	token TokenProvider

	limiter *rate.Limiter
	now     func() time.Time

	mu sync.Mutex
	// In-memory identity cache; lazily reloaded from the store after a
	// restart.
	identity       string
	identityLoaded bool

	profileFlight *flight[string]
	countFlight   map[string]*flight[int]
}

// flight is a shared pending result: concurrent callers wait on done and
// read count/err instead of issuing duplicate remote calls.
type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func New(cfg Config, st store.Store, token TokenProvider, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gmail.googleapis.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Label == "" {
		cfg.Label = "_UNTREATED"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 4
	}
	if cfg.BackoffFallback <= 0 {
		cfg.BackoffFallback = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:         cfg,
		log:         log,
		store:       st,
		hc:          &http.Client{Timeout: cfg.Timeout},
		token:       token,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:         time.Now,
		countFlight: map[string]*flight[int]{},
	}
}

// SetTransport swaps the underlying HTTP client (tests).
func (c *Client) SetTransport(hc *http.Client) { c.hc = hc }

// SetClock swaps the wall clock (tests).
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// query is the search filter selecting overdue items.
func (c *Client) query() string {
	return fmt.Sprintf("label:%s -in:trash -in:spam", c.cfg.Label)
}

// ---- Identity ----

// Identity returns the authenticated mailbox address, lowercased.
// The resolved address is cached in memory and in the store; a rate-limited
// profile endpoint is left alone until its persisted backoff expires.
func (c *Client) Identity(ctx context.Context) (string, error) {
	c.mu.Lock()
	if !c.identityLoaded {
		c.identityLoaded = true
		if email, ok, err := c.storeGetIdentity(ctx); err == nil && ok {
			c.identity = email
		}
	}
	if c.identity != "" {
		id := c.identity
		c.mu.Unlock()
		return id, nil
	}
	if fl := c.profileFlight; fl != nil {
		c.mu.Unlock()
		return waitFlight(ctx, fl)
	}

	if until, ok := c.backoffUntil(ctx, store.ClassProfile); ok && c.now().Before(until) {
		c.mu.Unlock()
		return "", fmt.Errorf("profile lookup until %s: %w", until.Format(time.RFC3339), ErrBackingOff)
	}

	fl := &flight[string]{done: make(chan struct{})}
	c.profileFlight = fl
	c.mu.Unlock()

	email, err := c.fetchProfile(ctx)

	// Clear the pending handle regardless of outcome.
	c.mu.Lock()
	if err == nil {
		c.identity = email
	}
	c.profileFlight = nil
	c.mu.Unlock()

	fl.val, fl.err = email, err
	close(fl.done)
	return email, err
}

// ClearIdentity drops the cached address and backoff marks, e.g. after a
// sign-in change upstream.
func (c *Client) ClearIdentity(ctx context.Context) {
	c.mu.Lock()
	c.identity = ""
	c.identityLoaded = true
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.ClearIdentity(ctx); err != nil {
			c.log.Warn("identity cache clear failed", logx.Err(err))
		}
		_ = c.store.ClearBackoff(ctx, store.ClassProfile)
		_ = c.store.ClearBackoff(ctx, store.ClassCount)
	}
}

func (c *Client) fetchProfile(ctx context.Context) (string, error) {
	var out struct {
		EmailAddress string `json:"emailAddress"`
	}
	err := c.getJSON(ctx, store.ClassProfile,
		c.cfg.BaseURL+"/gmail/v1/users/me/profile?fields=emailAddress", &out)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoIdentity, err)
	}
	email := strings.ToLower(strings.TrimSpace(out.EmailAddress))
	if email == "" {
		return "", ErrNoIdentity
	}
	if c.store != nil {
		if err := c.store.PutIdentity(ctx, email); err != nil {
			c.log.Warn("identity cache write failed", logx.Err(err))
		}
	}
	c.log.Debug("mailbox identity resolved", logx.String("identity", email))
	return email, nil
}

// ---- Count ----

// Count returns the backlog count for identity per opts:
//   - UseCache && !Exact: the cached value wins when present, no network.
//   - an exact fetch already in flight for this identity is shared, never
//     duplicated.
//   - a persisted backoff mark fails the call fast with ErrBackingOff.
//
// A successful exact fetch is persisted to the count cache.
func (c *Client) Count(ctx context.Context, identity string, opts Options) (int, error) {
	if identity == "" {
		return 0, ErrNoIdentity
	}

	if opts.UseCache && !opts.Exact {
		if e, ok := c.cachedCount(ctx, identity); ok {
			return e.Count, nil
		}
	}

	c.mu.Lock()
	if fl, ok := c.countFlight[identity]; ok {
		c.mu.Unlock()
		return waitFlight(ctx, fl)
	}

	if until, ok := c.backoffUntil(ctx, store.ClassCount); ok && c.now().Before(until) {
		c.mu.Unlock()
		return 0, fmt.Errorf("count query until %s: %w", until.Format(time.RFC3339), ErrBackingOff)
	}

	fl := &flight[int]{done: make(chan struct{})}
	c.countFlight[identity] = fl
	c.mu.Unlock()

	count, err := c.fetchExactCount(ctx)
	if err == nil && c.store != nil {
		if werr := c.store.PutCount(ctx, identity, store.CountEntry{Count: count, CapturedAt: c.now()}); werr != nil {
			c.log.Warn("count cache write failed", logx.Err(werr))
		}
	}

	c.mu.Lock()
	delete(c.countFlight, identity)
	c.mu.Unlock()

	fl.val, fl.err = count, err
	close(fl.done)
	return count, err
}

// Refresh forces an exact fetch and returns it; on failure it falls back to
// the last cached value instead of propagating the error.
func (c *Client) Refresh(ctx context.Context, identity string) int {
	count, err := c.Count(ctx, identity, Options{Exact: true, UseCache: false})
	if err == nil {
		return count
	}
	c.log.Warn("count refresh failed; using cached value", logx.Err(err))
	if e, ok := c.cachedCount(ctx, identity); ok {
		return e.Count
	}
	return 0
}

// Estimate performs the inexpensive approximate count. Failures degrade to
// zero, matching its role as a last-resort fallback.
func (c *Client) Estimate(ctx context.Context) int {
	q := url.Values{}
	q.Set("maxResults", "1")
	q.Set("q", c.query())
	var out struct {
		ResultSizeEstimate int `json:"resultSizeEstimate"`
	}
	err := c.getJSON(ctx, store.ClassCount,
		c.cfg.BaseURL+"/gmail/v1/users/me/threads?"+q.Encode()+"&fields=resultSizeEstimate", &out)
	if err != nil {
		c.log.Debug("estimate query failed", logx.Err(err))
		return 0
	}
	return out.ResultSizeEstimate
}

func (c *Client) cachedCount(ctx context.Context, identity string) (store.CountEntry, bool) {
	if c.store == nil {
		return store.CountEntry{}, false
	}
	e, ok, err := c.store.GetCount(ctx, identity)
	if err != nil {
		c.log.Warn("count cache read failed", logx.Err(err))
		return store.CountEntry{}, false
	}
	return e, ok
}

// fetchExactCount pages through the thread listing, following the
// continuation token until exhausted. An empty page contributes zero, so the
// total is never double-counted.
func (c *Client) fetchExactCount(ctx context.Context) (int, error) {
	total := 0
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("maxResults", "500")
		q.Set("q", c.query())
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var out struct {
			NextPageToken string `json:"nextPageToken"`
			Threads       []struct {
				ID string `json:"id"`
			} `json:"threads"`
		}
		err := c.getJSON(ctx, store.ClassCount,
			c.cfg.BaseURL+"/gmail/v1/users/me/threads?"+q.Encode()+"&fields=nextPageToken,threads/id", &out)
		if err != nil {
			return 0, fmt.Errorf("threads.list: %w", err)
		}
		total += len(out.Threads)
		if out.NextPageToken == "" {
			return total, nil
		}
		pageToken = out.NextPageToken
	}
}

// ---- Transport plumbing ----

func (c *Client) getJSON(ctx context.Context, class store.BackoffClass, rawURL string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		until := c.retryUntil(resp.Header.Get("Retry-After"), string(body))
		c.markBackoff(ctx, class, until)
		return fmt.Errorf("%s rate limited until %s: %w", class, until.Format(time.RFC3339), ErrBackingOff)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: unexpected status %d: %s", class, resp.StatusCode, truncate(string(body), 200))
	}
	if readErr != nil {
		return readErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: response parse: %w", class, err)
	}
	return nil
}

func (c *Client) backoffUntil(ctx context.Context, class store.BackoffClass) (time.Time, bool) {
	if c.store == nil {
		return time.Time{}, false
	}
	until, ok, err := c.store.GetBackoff(ctx, class)
	if err != nil {
		c.log.Warn("backoff read failed", logx.Err(err))
		return time.Time{}, false
	}
	return until, ok
}

func (c *Client) markBackoff(ctx context.Context, class store.BackoffClass, until time.Time) {
	c.log.Warn("remote rate limit; backing off",
		logx.String("class", string(class)), logx.Time("until", until))
	if c.store == nil {
		return
	}
	if err := c.store.PutBackoff(ctx, class, until); err != nil {
		c.log.Warn("backoff write failed", logx.Err(err))
	}
}

func waitFlight[T any](ctx context.Context, fl *flight[T]) (T, error) {
	select {
	case <-fl.done:
		return fl.val, fl.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
