package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

type ClassifierOptions struct {
	// MessagesCollection is matched as a suffix of the oplog namespace.
	MessagesCollection string
	Edits              *EditContextCache
	Rooms              *RoomResolver
	Logger             *slog.Logger
}

// Classifier turns oplog entries for the messages collection into chat events.
// It is not safe for concurrent use: edits are a get-then-put on the cache and
// rely on entries being processed in log order.
type Classifier struct {
	messagesCollection string
	edits              *EditContextCache
	rooms              *RoomResolver
	logger             *slog.Logger
}

func NewClassifier(opts ClassifierOptions) *Classifier {
	collection := strings.TrimSpace(opts.MessagesCollection)
	if collection == "" {
		collection = DefaultMessagesCollection
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	edits := opts.Edits
	if edits == nil {
		edits = NewEditContextCache(EditContextCacheOptions{Logger: logger})
	}
	rooms := opts.Rooms
	if rooms == nil {
		rooms = NewRoomResolver(nil, 0)
	}
	return &Classifier{
		messagesCollection: collection,
		edits:              edits,
		rooms:              rooms,
		logger:             logger,
	}
}

// Classify reports the event an entry represents. ok is false for entries that
// carry no chat event; that is the common case and not an error. A non-nil
// error means a collaborator (room lookup) failed and the entry should be
// retried.
func (c *Classifier) Classify(ctx context.Context, entry ReplicationEntry) (event Event, ok bool, err error) {
	if !strings.HasSuffix(entry.Namespace, c.messagesCollection) {
		return Event{}, false, nil
	}

	switch entry.Op {
	case OpInsert:
		doc, decodeErr := decodeMessage(entry.Object)
		if decodeErr != nil {
			c.logger.Debug("skip undecodable insert", "ns", entry.Namespace, "error", decodeErr)
			return Event{}, false, nil
		}
		messageID := rawIDString(doc.ID)
		if doc.hasUpload() {
			return c.fileUploaded(ctx, entry, messageID, doc, true)
		}
		if doc.Text != nil && *doc.Text != "" {
			return c.messageCreated(ctx, entry, messageID, doc)
		}
	case OpUpdate:
		delta, decodeErr := decodeUpdateDelta(entry.Object)
		if decodeErr != nil {
			c.logger.Debug("skip undecodable update", "ns", entry.Namespace, "error", decodeErr)
			return Event{}, false, nil
		}
		messageID := updatedMessageID(entry.Object2)
		if delta.hasUpload() {
			return c.fileUploaded(ctx, entry, messageID, delta, false)
		}
		return c.messageEdited(ctx, entry, messageID, delta)
	}
	return Event{}, false, nil
}

func (c *Classifier) messageCreated(ctx context.Context, entry ReplicationEntry, messageID string, doc messageDocument) (Event, bool, error) {
	room := doc.RoomID
	if room == "" {
		room = UnknownRoom
	}
	c.edits.Put(messageID, EditContext{Room: room, Author: doc.author()})

	roomName, err := c.rooms.Resolve(ctx, room)
	if err != nil {
		return Event{}, false, err
	}
	username := doc.author()
	if username == "" {
		username = UnknownUser
	}
	return Event{
		Kind: EventMessage,
		Message: &MessageEvent{
			MessageID: messageID,
			RoomID:    room,
			RoomName:  roomName,
			Timestamp: eventTime(doc.Timestamp, entry),
			Username:  username,
			Text:      *doc.Text,
		},
	}, true, nil
}

func (c *Classifier) messageEdited(ctx context.Context, entry ReplicationEntry, messageID string, delta messageDocument) (Event, bool, error) {
	ec, found := c.edits.Get(messageID)
	if delta.Text == nil {
		// reactions, pins, read receipts: nothing to audit, but a new editor
		// still has to be remembered for the next text edit
		if found && delta.editor() != "" {
			ec.LastEditor = delta.editor()
			c.edits.Put(messageID, ec)
		}
		return Event{}, false, nil
	}
	if !found {
		c.logger.Info("no edit context for message; using unknown room and editor", "message_id", messageID)
		ec = unknownContext()
	}
	if editor := delta.editor(); editor != "" {
		ec.LastEditor = editor
	}
	c.edits.Put(messageID, ec)

	roomName, err := c.rooms.Resolve(ctx, ec.Room)
	if err != nil {
		return Event{}, false, err
	}
	return Event{
		Kind: EventMessage,
		Message: &MessageEvent{
			MessageID: messageID,
			RoomID:    ec.Room,
			RoomName:  roomName,
			Timestamp: eventTime(delta.EditedAt, entry),
			Username:  ec.Editor(),
			Text:      *delta.Text,
			Edited:    true,
		},
	}, true, nil
}

func (c *Classifier) fileUploaded(ctx context.Context, entry ReplicationEntry, messageID string, doc messageDocument, inserted bool) (Event, bool, error) {
	var ec EditContext
	found := false
	if messageID != "" {
		ec, found = c.edits.Get(messageID)
	}

	room := doc.RoomID
	if room == "" {
		room = UnknownRoom
		if found {
			room = ec.Room
		}
	}
	username := doc.author()
	if username == "" {
		username = doc.editor()
	}
	if username == "" {
		username = UnknownUser
		if found {
			username = ec.Editor()
		}
	}
	if inserted && doc.RoomID != "" {
		c.edits.Put(messageID, EditContext{Room: doc.RoomID, Author: doc.author()})
	}

	roomName, err := c.rooms.Resolve(ctx, room)
	if err != nil {
		return Event{}, false, err
	}
	var attachment attachmentRef
	if len(doc.Attachments) > 0 {
		attachment = doc.Attachments[0]
	}
	mediaType := attachment.mediaType()
	if mediaType == "" {
		mediaType = doc.File.Type
	}
	title := attachment.Title
	if title == "" {
		title = doc.File.Name
	}
	ts := doc.Timestamp
	if !inserted && !doc.EditedAt.IsZero() {
		ts = doc.EditedAt
	}
	return Event{
		Kind: EventFile,
		File: &FileEvent{
			MessageID: messageID,
			RoomID:    room,
			RoomName:  roomName,
			Timestamp: eventTime(ts, entry),
			Username:  username,
			Title:     title,
			FileID:    doc.fileID(),
			MediaType: mediaType,
		},
	}, true, nil
}

// eventTime prefers the document's own timestamp, then the oplog wall clock,
// then the oplog timestamp seconds.
func eventTime(documentTime time.Time, entry ReplicationEntry) time.Time {
	if !documentTime.IsZero() {
		return documentTime.UTC()
	}
	if !entry.Wall.IsZero() {
		return entry.Wall.UTC()
	}
	return time.Unix(int64(entry.Timestamp.T), 0).UTC()
}
