package audit

import (
	"fmt"
	"log/slog"
	"sync"
)

const defaultFlushEvery = 100

type EditContextCacheOptions struct {
	Capacity int
	// Store persists the cache between runs. Nil keeps it in memory only.
	Store ContextStore
	// FlushEvery saves a snapshot after that many puts. Zero uses the default;
	// a negative value disables periodic flushing.
	FlushEvery int
	Logger     *slog.Logger
}

// EditContextCache maps a message id to the context needed to interpret later
// edits of that message.
type EditContextCache struct {
	entries    *LRU[string, EditContext]
	store      ContextStore
	flushEvery int
	logger     *slog.Logger

	mu    sync.Mutex
	dirty int
}

func NewEditContextCache(opts EditContextCacheOptions) *EditContextCache {
	flushEvery := opts.FlushEvery
	if flushEvery == 0 {
		flushEvery = defaultFlushEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entries := NewLRU[string, EditContext](opts.Capacity)
	// an edit of an evicted message is audited with the unknown room and author
	entries.OnEvict(func(messageID string, ec EditContext) {
		logger.Debug("edit context evicted", "message_id", messageID, "room", ec.Room)
	})
	return &EditContextCache{
		entries:    entries,
		store:      opts.Store,
		flushEvery: flushEvery,
		logger:     logger,
	}
}

// Restore loads the persisted snapshot, if any. A missing snapshot is not an
// error: the cache simply starts empty.
func (c *EditContextCache) Restore() error {
	if c.store == nil {
		return nil
	}
	snapshot, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load edit contexts: %w", err)
	}
	if snapshot == nil {
		return nil
	}
	records := snapshot.Records
	if len(records) > c.entries.Capacity() {
		records = records[:c.entries.Capacity()]
	}
	// oldest first so the most recent record ends up at the front
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.MessageID == "" {
			continue
		}
		c.entries.Put(record.MessageID, EditContext{
			Room:       record.Room,
			Author:     record.Author,
			LastEditor: record.LastEditor,
		})
	}
	c.logger.Info("restored edit contexts", "count", c.entries.Len())
	return nil
}

func (c *EditContextCache) Get(messageID string) (EditContext, bool) {
	return c.entries.Get(messageID)
}

func (c *EditContextCache) Put(messageID string, ec EditContext) {
	if messageID == "" {
		return
	}
	c.entries.Put(messageID, ec)
	if c.store == nil || c.flushEvery < 0 {
		return
	}

	c.mu.Lock()
	c.dirty++
	due := c.dirty >= c.flushEvery
	c.mu.Unlock()
	if due {
		if err := c.Flush(); err != nil {
			c.logger.Warn("flush edit contexts failed", "error", err)
		}
	}
}

func (c *EditContextCache) Len() int {
	return c.entries.Len()
}

func (c *EditContextCache) Snapshot() *ContextSnapshot {
	snapshot := &ContextSnapshot{Records: make([]ContextRecord, 0, c.entries.Len())}
	c.entries.Range(func(messageID string, ec EditContext) bool {
		snapshot.Records = append(snapshot.Records, ContextRecord{
			MessageID:  messageID,
			Room:       ec.Room,
			Author:     ec.Author,
			LastEditor: ec.LastEditor,
		})
		return true
	})
	return snapshot
}

// Flush writes the current contents to the store.
func (c *EditContextCache) Flush() error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(c.Snapshot()); err != nil {
		return fmt.Errorf("save edit contexts: %w", err)
	}
	c.dirty = 0
	return nil
}

// Close flushes pending changes and releases the store.
func (c *EditContextCache) Close() error {
	if c.store == nil {
		return nil
	}
	flushErr := c.Flush()
	if closer, ok := c.store.(contextStoreCloser); ok {
		if err := closer.Close(); err != nil && flushErr == nil {
			return err
		}
	}
	return flushErr
}
