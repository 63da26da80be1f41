package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mailnag/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot of all state)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. Every mutation is
// appended to the journal before returning, so a kill at any point loses at
// most the in-flight write.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	state  fileState
	writes int
}

type fileState struct {
	Acks     map[string]AckRecord  `json:"acks"`
	Counts   map[string]CountEntry `json:"counts"`
	Backoffs map[string]int64      `json:"backoffs"` // unix milli
	Identity string                `json:"identity,omitempty"`
	Legacy   map[string]string     `json:"legacy,omitempty"`
}

type journalRecord struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	opPutAck        = "put_ack"
	opDelAck        = "del_ack"
	opPutCount      = "put_count"
	opPutBackoff    = "put_backoff"
	opClearBackoff  = "clear_backoff"
	opPutIdentity   = "put_identity"
	opClearIdentity = "clear_identity"
	opDelLegacy     = "del_legacy"
)

const compactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := emptyFileState()
	_ = loadSnapshot(snapPath, &st)
	_ = replayJournal(journalPath, &st)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func emptyFileState() fileState {
	return fileState{
		Acks:     map[string]AckRecord{},
		Counts:   map[string]CountEntry{},
		Backoffs: map[string]int64{},
		Legacy:   map[string]string{},
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journalFile.Close()
	s.journalFile = nil
	if err != nil {
		return err
	}
	return cerr
}

// append writes one journal record under the lock and triggers best-effort
// compaction every compactEvery writes.
func (s *fileStore) appendLocked(op, key string, value any) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	rec := journalRecord{Op: op, Key: key}
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		rec.Value = b
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetAck(ctx context.Context, dayKey string) (AckRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Acks[dayKey]
	return rec, ok, nil
}

func (s *fileStore) PutAck(ctx context.Context, dayKey string, rec AckRecord) error {
	_ = ctx
	if strings.TrimSpace(dayKey) == "" {
		return errors.New("empty day key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Acks[dayKey] = rec
	return s.appendLocked(opPutAck, dayKey, rec)
}

func (s *fileStore) AllAcks(ctx context.Context) (map[string]AckRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AckRecord, len(s.state.Acks))
	for k, v := range s.state.Acks {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) DeleteAck(ctx context.Context, dayKey string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Acks[dayKey]; !ok {
		return nil
	}
	delete(s.state.Acks, dayKey)
	return s.appendLocked(opDelAck, dayKey, nil)
}

func (s *fileStore) GetCount(ctx context.Context, identity string) (CountEntry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.Counts[identity]
	return e, ok, nil
}

func (s *fileStore) PutCount(ctx context.Context, identity string, e CountEntry) error {
	_ = ctx
	if strings.TrimSpace(identity) == "" {
		return errors.New("empty identity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Counts[identity] = e
	return s.appendLocked(opPutCount, identity, e)
}

func (s *fileStore) GetBackoff(ctx context.Context, class BackoffClass) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Backoffs[string(class)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutBackoff(ctx context.Context, class BackoffClass, until time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := until.UnixMilli()
	s.state.Backoffs[string(class)] = ms
	return s.appendLocked(opPutBackoff, string(class), ms)
}

func (s *fileStore) ClearBackoff(ctx context.Context, class BackoffClass) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Backoffs[string(class)]; !ok {
		return nil
	}
	delete(s.state.Backoffs, string(class))
	return s.appendLocked(opClearBackoff, string(class), nil)
}

func (s *fileStore) GetIdentity(ctx context.Context) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Identity == "" {
		return "", false, nil
	}
	return s.state.Identity, true, nil
}

func (s *fileStore) PutIdentity(ctx context.Context, email string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Identity = email
	return s.appendLocked(opPutIdentity, email, nil)
}

func (s *fileStore) ClearIdentity(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Identity == "" {
		return nil
	}
	s.state.Identity = ""
	return s.appendLocked(opClearIdentity, "", nil)
}

func (s *fileStore) LegacyKeys(ctx context.Context) (map[string]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.state.Legacy))
	for k, v := range s.state.Legacy {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) DeleteLegacy(ctx context.Context, keys ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.state.Legacy[k]; !ok {
			continue
		}
		delete(s.state.Legacy, k)
		if err := s.appendLocked(opDelLegacy, k, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Acks != nil {
		out.Acks = st.Acks
	}
	if st.Counts != nil {
		out.Counts = st.Counts
	}
	if st.Backoffs != nil {
		out.Backoffs = st.Backoffs
	}
	if st.Legacy != nil {
		out.Legacy = st.Legacy
	}
	out.Identity = st.Identity
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opPutAck:
			var rec AckRecord
			if json.Unmarshal(r.Value, &rec) == nil && r.Key != "" {
				out.Acks[r.Key] = rec
			}
		case opDelAck:
			delete(out.Acks, r.Key)
		case opPutCount:
			var e CountEntry
			if json.Unmarshal(r.Value, &e) == nil && r.Key != "" {
				out.Counts[r.Key] = e
			}
		case opPutBackoff:
			var ms int64
			if json.Unmarshal(r.Value, &ms) == nil && r.Key != "" {
				out.Backoffs[r.Key] = ms
			}
		case opClearBackoff:
			delete(out.Backoffs, r.Key)
		case opPutIdentity:
			out.Identity = r.Key
		case opClearIdentity:
			out.Identity = ""
		case opDelLegacy:
			delete(out.Legacy, r.Key)
		}
	}
	return sc.Err()
}
