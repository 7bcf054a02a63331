package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const directMessageType = "d"

// RoomLookup fetches a room document from the source platform.
// Implementations return ErrRoomNotFound for unknown ids.
type RoomLookup interface {
	LookupRoom(ctx context.Context, roomID string) (Room, error)
}

// RoomResolver is a read-through cache of room display names.
type RoomResolver struct {
	lookup RoomLookup
	names  *LRU[string, string]
}

func NewRoomResolver(lookup RoomLookup, capacity int) *RoomResolver {
	return &RoomResolver{
		lookup: lookup,
		names:  NewLRU[string, string](capacity),
	}
}

func (r *RoomResolver) Resolve(ctx context.Context, roomID string) (string, error) {
	if roomID == "" || roomID == UnknownRoom {
		return UnknownRoom, nil
	}
	if name, ok := r.names.Get(roomID); ok {
		return name, nil
	}
	if r.lookup == nil {
		return roomID, nil
	}

	room, err := r.lookup.LookupRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return roomID, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup room %s: %w", roomID, err)
	}
	name := RoomDisplayName(room)
	if name == "" {
		name = roomID
	}
	r.names.Put(roomID, name)
	return name, nil
}

func (r *RoomResolver) Len() int {
	return r.names.Len()
}

// RoomDisplayName prefers the explicit name (channels and private groups) and
// joins participant usernames in stored order for direct messages.
func RoomDisplayName(room Room) string {
	if room.Name != "" {
		return room.Name
	}
	if room.Type == directMessageType && len(room.Usernames) > 0 {
		return strings.Join(room.Usernames, "_x_")
	}
	return room.ID
}
