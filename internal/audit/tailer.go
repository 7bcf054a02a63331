package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const DefaultLookback = 10

// ReplicationLog is the source the tailer reads from.
type ReplicationLog interface {
	// Recent returns up to n of the newest entries, newest first.
	Recent(ctx context.Context, n int) ([]ReplicationEntry, error)
	// Tail opens a blocking cursor over entries strictly after ts.
	Tail(ctx context.Context, after bson.Timestamp) (EntryCursor, error)
}

// EntryCursor blocks in Next until an entry is available. It returns
// ErrCursorClosed once the server side of the cursor is gone.
type EntryCursor interface {
	Next(ctx context.Context) (ReplicationEntry, error)
	Close(ctx context.Context) error
}

type TailStats struct {
	Sessions     uint64         `json:"sessions"`
	Entries      uint64         `json:"entries"`
	Ignored      uint64         `json:"ignored"`
	Messages     uint64         `json:"messages"`
	Files        uint64         `json:"files"`
	SinkErrors   uint64         `json:"sinkErrors"`
	ResumedFrom  bson.Timestamp `json:"resumedFrom"`
	LastPosition bson.Timestamp `json:"lastPosition"`
	LastEntryAt  time.Time      `json:"lastEntryAt"`
}

type TailerOptions struct {
	Classifier *Classifier
	// Lookback is how many of the newest entries are read to pick a resume
	// point. The oldest of them becomes the lower bound of the tail.
	Lookback int
	Logger   *slog.Logger
	Now      func() time.Time
}

type Tailer struct {
	classifier *Classifier
	lookback   int
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	stats TailStats
}

func NewTailer(opts TailerOptions) *Tailer {
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewClassifier(ClassifierOptions{Logger: logger})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tailer{
		classifier: classifier,
		lookback:   lookback,
		logger:     logger,
		now:        now,
	}
}

// ResumeAndTail derives a resume point from the newest entries of log and then
// feeds every later entry through the classifier into sink, one at a time.
// It only returns on failure: cursor death, a query or lookup error, or ctx
// cancellation. Some entries before the previous stop may be delivered again.
func (t *Tailer) ResumeAndTail(ctx context.Context, log ReplicationLog, sink EventSink) error {
	if log == nil || sink == nil {
		return ErrInvalidInput
	}
	resume, err := t.ResumePoint(ctx, log)
	if err != nil {
		return err
	}

	cursor, err := log.Tail(ctx, resume)
	if err != nil {
		return fmt.Errorf("open tail after %d.%d: %w", resume.T, resume.I, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cursor.Close(closeCtx)
	}()

	t.update(func(s *TailStats) {
		s.Sessions++
		s.ResumedFrom = resume
	})
	t.logger.Info("tailing replication log", "resume_t", resume.T, "resume_i", resume.I)

	for {
		entry, err := cursor.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrCursorClosed) {
				return ctxErr
			}
			return fmt.Errorf("read replication log: %w", err)
		}
		if err := t.handle(ctx, entry, sink); err != nil {
			return err
		}
	}
}

// ResumePoint returns the oldest timestamp among the newest Lookback entries.
// An empty log resumes from the current time.
func (t *Tailer) ResumePoint(ctx context.Context, log ReplicationLog) (bson.Timestamp, error) {
	recent, err := log.Recent(ctx, t.lookback)
	if err != nil {
		return bson.Timestamp{}, fmt.Errorf("read recent entries: %w", err)
	}
	if len(recent) == 0 {
		return bson.Timestamp{T: uint32(t.now().Unix())}, nil
	}
	oldest := recent[0].Timestamp
	for _, entry := range recent[1:] {
		if timestampLess(entry.Timestamp, oldest) {
			oldest = entry.Timestamp
		}
	}
	return oldest, nil
}

func (t *Tailer) handle(ctx context.Context, entry ReplicationEntry, sink EventSink) error {
	t.logger.Debug("replication entry", "op", entry.Op, "ns", entry.Namespace, "ts_t", entry.Timestamp.T, "ts_i", entry.Timestamp.I)
	event, ok, err := t.classifier.Classify(ctx, entry)
	if err != nil {
		return fmt.Errorf("classify entry %d.%d: %w", entry.Timestamp.T, entry.Timestamp.I, err)
	}
	t.update(func(s *TailStats) {
		s.Entries++
		s.LastPosition = entry.Timestamp
		s.LastEntryAt = t.now().UTC()
		if !ok {
			s.Ignored++
		}
	})
	if !ok {
		return nil
	}

	emitErr := Emit(ctx, sink, event)
	t.update(func(s *TailStats) {
		switch event.Kind {
		case EventMessage:
			s.Messages++
		case EventFile:
			s.Files++
		}
		if emitErr != nil {
			s.SinkErrors++
		}
	})
	if emitErr != nil {
		t.logger.Warn("sink rejected event", "kind", event.Kind, "error", emitErr)
	}
	return nil
}

func (t *Tailer) Stats() TailStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tailer) update(fn func(*TailStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.stats)
}
