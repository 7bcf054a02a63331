package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"nhooyr.io/websocket"
)

const (
	defaultFeedBuffer = 64
	feedWriteTimeout  = 5 * time.Second
)

type feedMessage struct {
	Kind  audit.EventKind `json:"kind"`
	Event any             `json:"event"`
}

type subscriber struct {
	ch      chan []byte
	dropped chan struct{}
	once    sync.Once
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.dropped) })
}

// Feed fans classified events out to websocket clients. It is an
// audit.EventSink; publishing never blocks the tailer. A client whose buffer
// is full is disconnected.
type Feed struct {
	buffer int
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func NewFeed(buffer int, logger *slog.Logger) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		buffer:      buffer,
		logger:      logger,
		subscribers: map[*subscriber]struct{}{},
	}
}

func (f *Feed) OnMessage(_ context.Context, event audit.MessageEvent) error {
	return f.publish(feedMessage{Kind: audit.EventMessage, Event: event})
}

func (f *Feed) OnFile(_ context.Context, event audit.FileEvent) error {
	return f.publish(feedMessage{Kind: audit.EventFile, Event: event})
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// Close disconnects every client. Later subscriptions are refused.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for sub := range f.subscribers {
		sub.drop()
		delete(f.subscribers, sub)
	}
}

func (f *Feed) publish(msg feedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subscribers {
		select {
		case sub.ch <- payload:
		default:
			f.logger.Warn("dropping slow feed subscriber")
			sub.drop()
			delete(f.subscribers, sub)
		}
	}
	return nil
}

func (f *Feed) subscribe() (*subscriber, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	sub := &subscriber{ch: make(chan []byte, f.buffer), dropped: make(chan struct{})}
	f.subscribers[sub] = struct{}{}
	return sub, true
}

func (f *Feed) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, sub)
	sub.drop()
}

// serve pumps events to one accepted connection until the client goes away,
// falls behind, or the feed closes.
func (f *Feed) serve(ctx context.Context, conn *websocket.Conn) {
	sub, ok := f.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "feed closed")
		return
	}
	defer f.unsubscribe(sub)

	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.dropped:
			_ = conn.Close(websocket.StatusPolicyViolation, "subscriber dropped")
			return
		case payload := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				f.logger.Debug("feed write failed", "error", err)
				return
			}
		}
	}
}
