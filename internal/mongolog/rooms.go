package mongolog

import (
	"context"
	"errors"
	"fmt"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const DefaultRoomsCollection = "rocketchat_room"

type roomDocument struct {
	ID        string   `bson:"_id"`
	Name      string   `bson:"name"`
	Type      string   `bson:"t"`
	Usernames []string `bson:"usernames"`
}

// RoomStore looks rooms up in the chat database. It satisfies audit.RoomLookup.
type RoomStore struct {
	collection *mongo.Collection
}

func NewRoomStore(db *mongo.Database, collection string) *RoomStore {
	if collection == "" {
		collection = DefaultRoomsCollection
	}
	return &RoomStore{collection: db.Collection(collection)}
}

func (s *RoomStore) LookupRoom(ctx context.Context, roomID string) (audit.Room, error) {
	opts := options.FindOne().SetProjection(bson.D{
		{Key: "name", Value: 1},
		{Key: "t", Value: 1},
		{Key: "usernames", Value: 1},
	})
	var doc roomDocument
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: roomID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return audit.Room{}, fmt.Errorf("%w: %s", audit.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return audit.Room{}, err
	}
	return audit.Room{
		ID:        roomID,
		Name:      doc.Name,
		Type:      doc.Type,
		Usernames: doc.Usernames,
	}, nil
}
