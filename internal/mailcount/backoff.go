package mailcount

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rate-limit responses hint at a retry time in three decreasing orders of
// preference: a Retry-After header (delta seconds or HTTP date), a
// "Retry after <timestamp>" phrase inside the error body, or nothing at all,
// in which case a fixed fallback delay applies.
var bodyRetryRe = regexp.MustCompile(`(?i)Retry after\s+([0-9T:\-.Z+]+)`)

func (c *Client) retryUntil(header, body string) time.Time {
	now := c.now()

	if h := strings.TrimSpace(header); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http1Date(h); err == nil && t.After(now) {
			return t
		}
	}

	if m := bodyRetryRe.FindStringSubmatch(body); len(m) == 2 {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil && t.After(now) {
			return t
		}
	}

	return now.Add(c.cfg.BackoffFallback)
}

func http1Date(s string) (time.Time, error) {
	return time.Parse(time.RFC1123, s)
}

func (c *Client) storeGetIdentity(ctx context.Context) (string, bool, error) {
	if c.store == nil {
		return "", false, nil
	}
	return c.store.GetIdentity(ctx)
}
