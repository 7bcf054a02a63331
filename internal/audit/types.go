package audit

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	UnknownRoom = "#unknown"
	UnknownUser = "unknown.user"

	DefaultMessagesCollection = "rocketchat_message"
	DefaultCacheSize          = 10000
)

type OpKind string

const (
	OpInsert OpKind = "i"
	OpUpdate OpKind = "u"
	OpDelete OpKind = "d"
	OpNoop   OpKind = "n"
)

// ReplicationEntry is one oplog record. Object holds the inserted document or
// the update specification; Object2 identifies the updated document.
type ReplicationEntry struct {
	Op        OpKind
	Namespace string
	Timestamp bson.Timestamp
	Wall      time.Time
	Object    bson.Raw
	Object2   bson.Raw
}

// EditContext is what an edit delta cannot tell us on its own.
type EditContext struct {
	Room       string `json:"room"`
	Author     string `json:"author,omitempty"`
	LastEditor string `json:"lastEditor,omitempty"`
}

func unknownContext() EditContext {
	return EditContext{Room: UnknownRoom}
}

// Editor returns the best known username to attribute an edit to.
func (c EditContext) Editor() string {
	switch {
	case c.LastEditor != "":
		return c.LastEditor
	case c.Author != "":
		return c.Author
	default:
		return UnknownUser
	}
}

type EventKind string

const (
	EventMessage EventKind = "message"
	EventFile    EventKind = "file"
)

type MessageEvent struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	RoomName  string    `json:"roomName"`
	Timestamp time.Time `json:"ts"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited,omitempty"`
}

type FileEvent struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	RoomName  string    `json:"roomName"`
	Timestamp time.Time `json:"ts"`
	Username  string    `json:"username"`
	Title     string    `json:"title"`
	FileID    string    `json:"fileId"`
	MediaType string    `json:"mediaType"`
}

// Event is the classifier output. Exactly one of Message and File is set,
// matching Kind.
type Event struct {
	Kind    EventKind
	Message *MessageEvent
	File    *FileEvent
}

// Room is what the source platform's room collection knows about a room.
type Room struct {
	ID        string
	Name      string
	Type      string
	Usernames []string
}

func timestampLess(a, b bson.Timestamp) bool {
	if a.T != b.T {
		return a.T < b.T
	}
	return a.I < b.I
}
