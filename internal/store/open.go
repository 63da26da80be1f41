package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"mailnag/pkg/logx"
)

// Store is the persistence API used by the reminder engine.
//
// Writer discipline (matches data ownership, not enforced here):
//   - ack records are written only by the acknowledgement machine and
//     housekeeping,
//   - count cache and backoff marks only by the mail count client,
//   - the identity cache only by the mail count client.
type Store interface {
	GetAck(ctx context.Context, dayKey string) (AckRecord, bool, error)
	PutAck(ctx context.Context, dayKey string, rec AckRecord) error
	AllAcks(ctx context.Context) (map[string]AckRecord, error)
	DeleteAck(ctx context.Context, dayKey string) error

	GetCount(ctx context.Context, identity string) (CountEntry, bool, error)
	PutCount(ctx context.Context, identity string, e CountEntry) error

	GetBackoff(ctx context.Context, class BackoffClass) (until time.Time, ok bool, err error)
	PutBackoff(ctx context.Context, class BackoffClass, until time.Time) error
	ClearBackoff(ctx context.Context, class BackoffClass) error

	GetIdentity(ctx context.Context) (string, bool, error)
	PutIdentity(ctx context.Context, email string) error
	ClearIdentity(ctx context.Context) error

	// LegacyKeys exposes raw key/value pairs left behind by pre-record
	// builds ("ack-YYYYMMDD", "ignore-YYYYMMDD", "pending-ack-date").
	// Housekeeping migrates and deletes them.
	LegacyKeys(ctx context.Context) (map[string]string, error)
	DeleteLegacy(ctx context.Context, keys ...string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
