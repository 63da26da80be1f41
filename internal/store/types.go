package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and every read behaves
// as "no data" (callers already treat storage outages that way).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AckState is the lifecycle state of a day's acknowledgement record.
type AckState string

const (
	StatePending AckState = "pending"
	StateAck     AckState = "ack"
	StateIgnored AckState = "ignored"
)

// Valid reports whether s is one of the known states.
func (s AckState) Valid() bool {
	return s == StatePending || s == StateAck || s == StateIgnored
}

// Terminal reports whether s ends the record's lifecycle.
func (s AckState) Terminal() bool { return s == StateAck || s == StateIgnored }

// Source records what triggered the reminder cycle.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// AckRecord tracks one calendar day's reminder, keyed by YYYYMMDD (local).
// At most one record exists per day key. State only ever moves
// pending -> ack or pending -> ignored.
type AckRecord struct {
	State      AckState  `json:"state"`
	ShownAt    time.Time `json:"shownAt"`
	DeadlineAt time.Time `json:"deadlineAt"`
	Source     Source    `json:"source"`
}

// CountEntry is the cached backlog count for one mailbox identity.
type CountEntry struct {
	Count      int       `json:"count"`
	CapturedAt time.Time `json:"capturedAt"`
}

// BackoffClass names a rate-limited remote endpoint class.
type BackoffClass string

const (
	ClassProfile BackoffClass = "profile"
	ClassCount   BackoffClass = "count"
)
