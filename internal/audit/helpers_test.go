package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawDoc(doc any) bson.Raw {
	data, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return bson.Raw(data)
}

type fakeRoomLookup struct {
	mu    sync.Mutex
	rooms map[string]Room
	err   error
	calls map[string]int
}

func newFakeRoomLookup(rooms ...Room) *fakeRoomLookup {
	lookup := &fakeRoomLookup{rooms: map[string]Room{}, calls: map[string]int{}}
	for _, room := range rooms {
		lookup.rooms[room.ID] = room
	}
	return lookup
}

func (f *fakeRoomLookup) LookupRoom(_ context.Context, roomID string) (Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[roomID]++
	if f.err != nil {
		return Room{}, f.err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (f *fakeRoomLookup) callCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[roomID]
}

type recordingSink struct {
	mu       sync.Mutex
	messages []MessageEvent
	files    []FileEvent
	err      error
}

func (s *recordingSink) OnMessage(_ context.Context, event MessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, event)
	return s.err
}

func (s *recordingSink) OnFile(_ context.Context, event FileEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, event)
	return s.err
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), len(s.files)
}
