package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"testing"

	"github.com/google/uuid"
)

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger returns an slog.Logger at Debug level that writes to t.Log,
// so all engine activity appears in test output with -v.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testKey builds a record key with a distinguishing entity ID.
func testKey(entity string) RecordKey {
	return NewRecordKey(entity, "2026Q1", "clinic-7", "default")
}

// newTestQueue creates a RetryQueue on an in-memory database with
// deterministic zero jitter.
func newTestQueue(t *testing.T) *RetryQueue {
	t.Helper()

	q, err := NewRetryQueue(":memory:", QueueOptions{}, testLogger(t))
	if err != nil {
		t.Fatalf("NewRetryQueue: %v", err)
	}

	t.Cleanup(func() { q.Close() })

	q.jitterFunc = func(int64) int64 { return 0 }

	return q
}

// fakeStore is an in-memory LocalStore with call tracking and injectable
// failures. It implements snapshots the same way the SQLite reference
// does: full row copies keyed by an opaque token.
type fakeStore struct {
	mu           stdsync.Mutex
	records      map[string]*LocalRecord
	snapshots    map[string]map[string]*LocalRecord // token -> key -> copy (nil = absent)
	inconsistent map[string]string

	readErr       error
	restoreErr    error
	snapshotErr   error
	restoredKeys  []RecordKey
	restoredPoint RollbackPoint
	discarded     []RollbackPoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:      make(map[string]*LocalRecord),
		snapshots:    make(map[string]map[string]*LocalRecord),
		inconsistent: make(map[string]string),
	}
}

func (s *fakeStore) put(rec *LocalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.records[rec.Key.String()] = &cp
}

func (s *fakeStore) get(key RecordKey) *LocalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil
	}

	cp := *rec

	return &cp
}

func (s *fakeStore) Read(_ context.Context, key RecordKey) (*LocalRecord, error) {
	s.mu.Lock()
	readErr := s.readErr
	s.mu.Unlock()

	if readErr != nil {
		return nil, readErr
	}

	return s.get(key), nil
}

func (s *fakeStore) Write(_ context.Context, rec *LocalRecord) error {
	s.put(rec)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key.String())

	return nil
}

func (s *fakeStore) ListDirty(_ context.Context) ([]*LocalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dirty []*LocalRecord

	for keyStr, rec := range s.records {
		if rec.Dirty && s.inconsistent[keyStr] == "" {
			cp := *rec
			dirty = append(dirty, &cp)
		}
	}

	return dirty, nil
}

func (s *fakeStore) MarkDirty(_ context.Context, key RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return fmt.Errorf("mark dirty %s: no such record", key)
	}

	rec.Dirty = true

	return nil
}

func (s *fakeStore) ClearDirty(_ context.Context, key RecordKey, newRevision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return fmt.Errorf("clear dirty %s: no such record", key)
	}

	rec.Dirty = false
	rec.Revision = newRevision
	rec.LastSyncedAt = Int64Ptr(NowNano())

	return nil
}

func (s *fakeStore) Snapshot(_ context.Context, keys []RecordKey) (RollbackPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshotErr != nil {
		return "", s.snapshotErr
	}

	token := uuid.NewString()
	snap := make(map[string]*LocalRecord, len(keys))

	for _, key := range keys {
		if rec, ok := s.records[key.String()]; ok {
			cp := *rec
			snap[key.String()] = &cp
		} else {
			snap[key.String()] = nil
		}
	}

	s.snapshots[token] = snap

	return RollbackPoint(token), nil
}

func (s *fakeStore) Restore(_ context.Context, rp RollbackPoint, keys []RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restoredPoint = rp
	s.restoredKeys = append([]RecordKey(nil), keys...)

	if s.restoreErr != nil {
		return s.restoreErr
	}

	snap, ok := s.snapshots[string(rp)]
	if !ok {
		return fmt.Errorf("unknown rollback point %s", rp)
	}

	restore := snap
	if keys != nil {
		restore = make(map[string]*LocalRecord, len(keys))
		for _, key := range keys {
			restore[key.String()] = snap[key.String()]
		}
	}

	for keyStr, rec := range restore {
		if rec == nil {
			delete(s.records, keyStr)
			continue
		}

		cp := *rec
		s.records[keyStr] = &cp
	}

	delete(s.snapshots, string(rp))

	return nil
}

func (s *fakeStore) Discard(_ context.Context, rp RollbackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discarded = append(s.discarded, rp)
	delete(s.snapshots, string(rp))

	return nil
}

func (s *fakeStore) MarkInconsistent(_ context.Context, keys []RecordKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		s.inconsistent[key.String()] = reason
	}

	return nil
}

// fakeRemote is a scriptable RemoteService. uploadFunc decides each
// upload's outcome; known seeds Stat responses; changes seeds Download.
type fakeRemote struct {
	mu         stdsync.Mutex
	uploadFunc func(rec *LocalRecord, attemptToken string) (string, error)
	known      map[string]*RemoteKnown
	changes    []*RemoteRecord
	statErr    error

	uploads []RecordKey
	tokens  map[string][]string // key -> attempt tokens seen
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		known:  make(map[string]*RemoteKnown),
		tokens: make(map[string][]string),
	}
}

func (r *fakeRemote) Upload(_ context.Context, rec *LocalRecord, attemptToken string) (string, error) {
	r.mu.Lock()
	r.uploads = append(r.uploads, rec.Key)
	r.tokens[rec.Key.String()] = append(r.tokens[rec.Key.String()], attemptToken)
	fn := r.uploadFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(rec, attemptToken)
	}

	return "rev-" + attemptToken[:8], nil
}

func (r *fakeRemote) Download(_ context.Context, since int64, fn func(*RemoteRecord) error) error {
	r.mu.Lock()
	changes := append([]*RemoteRecord(nil), r.changes...)
	r.mu.Unlock()

	for _, rr := range changes {
		if rr.ModifiedAt <= since {
			continue
		}

		if err := fn(rr); err != nil {
			return err
		}
	}

	return nil
}

func (r *fakeRemote) Stat(_ context.Context, keys []RecordKey) (map[string]*RemoteKnown, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.statErr != nil {
		return nil, r.statErr
	}

	out := make(map[string]*RemoteKnown, len(keys))
	for _, key := range keys {
		out[key.String()] = r.known[key.String()]
	}

	return out, nil
}

func (r *fakeRemote) uploadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.uploads)
}

// fakeProber returns a fixed sequence of samples, then repeats the last.
type fakeProber struct {
	mu      stdsync.Mutex
	samples []NetworkSample
	errs    []error
	calls   int
}

func (p *fakeProber) Probe(context.Context) (NetworkSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.calls
	p.calls++

	if i >= len(p.samples) {
		i = len(p.samples) - 1
	}

	if i < 0 {
		return NetworkSample{}, fmt.Errorf("no samples scripted")
	}

	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}

	return p.samples[i], err
}

// fakeSession reports a fixed validity.
type fakeSession struct {
	valid bool
}

func (s *fakeSession) IsValid(context.Context) bool {
	return s.valid
}

// goodSample is a sample that classifies as TierExcellent on its own.
func goodSample() NetworkSample {
	return NetworkSample{
		BandwidthBps: 8 << 20,
		LatencyNanos: int64(50_000_000), // 50ms
		TakenAt:      NowNano(),
	}
}

// monitorAt returns a Monitor whose window already classifies as tier.
func monitorAt(t *testing.T, tier Tier) *Monitor {
	t.Helper()

	var sample NetworkSample

	switch tier {
	case TierOffline:
		sample = NetworkSample{TakenAt: NowNano()}
	case TierExcellent:
		sample = goodSample()
	case TierPoor:
		sample = NetworkSample{
			BandwidthBps: 10 << 10,
			LatencyNanos: int64(2_000_000_000),
			TakenAt:      NowNano(),
		}
	default:
		t.Fatalf("monitorAt: unsupported tier %s", tier)
	}

	prober := &fakeProber{samples: []NetworkSample{sample}}
	if tier == TierOffline {
		prober.errs = []error{fmt.Errorf("unreachable")}
	}

	m := NewMonitor(prober, 0, testLogger(t))
	m.Sample(context.Background())

	return m
}
