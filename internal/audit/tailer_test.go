package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type fakeReplicationLog struct {
	entries   []ReplicationEntry
	recentErr error
	tailedAt  []bson.Timestamp
}

func (f *fakeReplicationLog) Recent(_ context.Context, n int) ([]ReplicationEntry, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	var out []ReplicationEntry
	for i := len(f.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, f.entries[i])
	}
	return out, nil
}

func (f *fakeReplicationLog) Tail(_ context.Context, after bson.Timestamp) (EntryCursor, error) {
	f.tailedAt = append(f.tailedAt, after)
	var pending []ReplicationEntry
	for _, entry := range f.entries {
		if timestampLess(after, entry.Timestamp) {
			pending = append(pending, entry)
		}
	}
	return &fakeCursor{pending: pending}, nil
}

type fakeCursor struct {
	pending []ReplicationEntry
	closed  bool
}

func (c *fakeCursor) Next(ctx context.Context) (ReplicationEntry, error) {
	if err := ctx.Err(); err != nil {
		return ReplicationEntry{}, err
	}
	if len(c.pending) == 0 {
		return ReplicationEntry{}, ErrCursorClosed
	}
	entry := c.pending[0]
	c.pending = c.pending[1:]
	return entry, nil
}

func (c *fakeCursor) Close(context.Context) error {
	c.closed = true
	return nil
}

func sequencedInsert(seq uint32, messageID string) ReplicationEntry {
	entry := insertEntry(messageID, "R", "alice", "text "+messageID)
	entry.Timestamp = bson.Timestamp{T: 1700000000, I: seq}
	return entry
}

func TestTailerResumesFromOldestOfRecentBatch(t *testing.T) {
	log := &fakeReplicationLog{}
	for i := uint32(1); i <= 15; i++ {
		log.entries = append(log.entries, sequencedInsert(i, "m"))
	}
	tailer := NewTailer(TailerOptions{Lookback: 10, Logger: discardLogger()})

	resume, err := tailer.ResumePoint(context.Background(), log)
	if err != nil {
		t.Fatalf("resume point failed: %v", err)
	}
	if resume.I != 6 {
		t.Fatalf("expected resume from the 10th newest entry (seq 6), got %+v", resume)
	}
}

func TestTailerEmptyLogResumesFromNow(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tailer := NewTailer(TailerOptions{Logger: discardLogger(), Now: func() time.Time { return now }})

	resume, err := tailer.ResumePoint(context.Background(), &fakeReplicationLog{})
	if err != nil {
		t.Fatalf("resume point failed: %v", err)
	}
	if resume.T != uint32(now.Unix()) {
		t.Fatalf("expected resume at now, got %+v", resume)
	}
}

func TestTailerDeliversEntriesAfterResumePoint(t *testing.T) {
	log := &fakeReplicationLog{}
	for i := uint32(1); i <= 5; i++ {
		log.entries = append(log.entries, sequencedInsert(i, string(rune('a'+i))))
	}
	log.entries = append(log.entries, ReplicationEntry{Op: OpNoop, Timestamp: bson.Timestamp{T: 1700000000, I: 6}})
	sink := &recordingSink{}
	tailer := NewTailer(TailerOptions{Lookback: 3, Logger: discardLogger()})

	err := tailer.ResumeAndTail(context.Background(), log, sink)
	if !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("expected cursor closed error, got %v", err)
	}
	if len(log.tailedAt) != 1 || log.tailedAt[0].I != 4 {
		t.Fatalf("expected tail after seq 4, got %+v", log.tailedAt)
	}
	messages, files := sink.counts()
	if messages != 1 || files != 0 {
		t.Fatalf("expected one message after the resume point, got %d messages %d files", messages, files)
	}
	stats := tailer.Stats()
	if stats.Entries != 2 || stats.Ignored != 1 || stats.Messages != 1 || stats.LastPosition.I != 6 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTailerSinkErrorsDoNotStopTailing(t *testing.T) {
	log := &fakeReplicationLog{}
	for i := uint32(1); i <= 4; i++ {
		log.entries = append(log.entries, sequencedInsert(i, string(rune('a'+i))))
	}
	sink := &recordingSink{err: errors.New("disk full")}
	tailer := NewTailer(TailerOptions{Lookback: 4, Logger: discardLogger()})

	if err := tailer.ResumeAndTail(context.Background(), log, sink); !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("expected cursor closed error, got %v", err)
	}
	if messages, _ := sink.counts(); messages != 3 {
		t.Fatalf("expected every event to be attempted, got %d", messages)
	}
	if stats := tailer.Stats(); stats.SinkErrors != 3 {
		t.Fatalf("expected 3 sink errors, got %+v", stats)
	}
}

func TestTailerRecentFailure(t *testing.T) {
	log := &fakeReplicationLog{recentErr: errors.New("not primary")}
	tailer := NewTailer(TailerOptions{Logger: discardLogger()})

	err := tailer.ResumeAndTail(context.Background(), log, &recordingSink{})
	if err == nil || !errors.Is(err, log.recentErr) {
		t.Fatalf("expected wrapped recent error, got %v", err)
	}
	if len(log.tailedAt) != 0 {
		t.Fatalf("tail must not be opened when the resume point is unknown")
	}
}

func TestTailerRejectsNilCollaborators(t *testing.T) {
	tailer := NewTailer(TailerOptions{Logger: discardLogger()})
	if err := tailer.ResumeAndTail(context.Background(), nil, &recordingSink{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
