package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const messagesNS = "rocketchat.rocketchat_message"

var (
	insertTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	editTime   = time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
)

func newTestClassifier(lookup RoomLookup) (*Classifier, *EditContextCache) {
	edits := NewEditContextCache(EditContextCacheOptions{Capacity: 100, Logger: discardLogger()})
	classifier := NewClassifier(ClassifierOptions{
		Edits:  edits,
		Rooms:  NewRoomResolver(lookup, 100),
		Logger: discardLogger(),
	})
	return classifier, edits
}

func insertEntry(messageID, room, user, text string) ReplicationEntry {
	return ReplicationEntry{
		Op:        OpInsert,
		Namespace: messagesNS,
		Timestamp: bson.Timestamp{T: uint32(insertTime.Unix()), I: 1},
		Object: rawDoc(bson.D{
			{Key: "_id", Value: messageID},
			{Key: "rid", Value: room},
			{Key: "msg", Value: text},
			{Key: "ts", Value: insertTime},
			{Key: "u", Value: bson.D{{Key: "_id", Value: "uid-" + user}, {Key: "username", Value: user}}},
		}),
	}
}

func updateEntry(messageID string, set bson.D) ReplicationEntry {
	return ReplicationEntry{
		Op:        OpUpdate,
		Namespace: messagesNS,
		Timestamp: bson.Timestamp{T: uint32(editTime.Unix()), I: 1},
		Object:    rawDoc(bson.D{{Key: "$set", Value: set}}),
		Object2:   rawDoc(bson.D{{Key: "_id", Value: messageID}}),
	}
}

func classifyMessage(t *testing.T, classifier *Classifier, entry ReplicationEntry) MessageEvent {
	t.Helper()
	event, ok, err := classifier.Classify(context.Background(), entry)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected an event for %+v", entry)
	}
	if event.Kind != EventMessage || event.Message == nil {
		t.Fatalf("expected message event, got %+v", event)
	}
	return *event.Message
}

func TestClassifyInsertEmitsMessageAndSeedsCache(t *testing.T) {
	classifier, edits := newTestClassifier(newFakeRoomLookup(Room{ID: "R", Name: "general"}))

	msg := classifyMessage(t, classifier, insertEntry("M", "R", "alice", "hello"))
	if msg.RoomID != "R" || msg.RoomName != "general" || msg.Username != "alice" || msg.Text != "hello" {
		t.Fatalf("unexpected message event: %+v", msg)
	}
	if !msg.Timestamp.Equal(insertTime) {
		t.Fatalf("expected timestamp %s, got %s", insertTime, msg.Timestamp)
	}
	if msg.Edited {
		t.Fatalf("insert must not be marked edited")
	}

	ec, ok := edits.Get("M")
	if !ok {
		t.Fatalf("expected edit context for M")
	}
	if ec.Room != "R" || ec.LastEditor != "" {
		t.Fatalf("expected {R, unknown editor}, got %+v", ec)
	}
}

func TestClassifyEditCarriesAuthorForward(t *testing.T) {
	classifier, _ := newTestClassifier(newFakeRoomLookup(Room{ID: "R", Name: "general"}))
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "hello"))

	msg := classifyMessage(t, classifier, updateEntry("M", bson.D{{Key: "msg", Value: "hello again"}}))
	if msg.RoomID != "R" || msg.Username != "alice" || msg.Text != "hello again" {
		t.Fatalf("unexpected edit event: %+v", msg)
	}
	if !msg.Edited {
		t.Fatalf("expected edit to be marked edited")
	}
	if msg.Timestamp.Unix() != editTime.Unix() {
		t.Fatalf("expected edit timestamp from oplog, got %s", msg.Timestamp)
	}
}

func TestClassifyEditWithoutContextUsesSentinels(t *testing.T) {
	lookup := newFakeRoomLookup()
	classifier, _ := newTestClassifier(lookup)

	msg := classifyMessage(t, classifier, updateEntry("never-seen", bson.D{{Key: "msg", Value: "T"}}))
	if msg.RoomID != UnknownRoom || msg.RoomName != UnknownRoom || msg.Username != UnknownUser || msg.Text != "T" {
		t.Fatalf("expected sentinel event, got %+v", msg)
	}
	if calls := lookup.callCount(UnknownRoom); calls != 0 {
		t.Fatalf("sentinel room must not be looked up, got %d calls", calls)
	}
}

func TestClassifyEditWithExplicitEditor(t *testing.T) {
	classifier, edits := newTestClassifier(newFakeRoomLookup(Room{ID: "R", Name: "general"}))
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "hello"))

	msg := classifyMessage(t, classifier, updateEntry("M", bson.D{
		{Key: "msg", Value: "moderated"},
		{Key: "editedAt", Value: editTime},
		{Key: "editedBy", Value: bson.D{{Key: "username", Value: "mod"}}},
	}))
	if msg.Username != "mod" {
		t.Fatalf("expected explicit editor, got %q", msg.Username)
	}
	if !msg.Timestamp.Equal(editTime) {
		t.Fatalf("expected editedAt timestamp, got %s", msg.Timestamp)
	}
	if ec, _ := edits.Get("M"); ec.LastEditor != "mod" || ec.Room != "R" {
		t.Fatalf("expected cached editor mod in room R, got %+v", ec)
	}

	next := classifyMessage(t, classifier, updateEntry("M", bson.D{{Key: "msg", Value: "again"}}))
	if next.Username != "mod" {
		t.Fatalf("expected editor to persist for later edits, got %q", next.Username)
	}
}

func TestClassifyEditNeverOverwritesRoom(t *testing.T) {
	classifier, edits := newTestClassifier(nil)
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "hello"))

	msg := classifyMessage(t, classifier, updateEntry("M", bson.D{
		{Key: "msg", Value: "moved?"},
		{Key: "rid", Value: "OTHER"},
	}))
	if msg.RoomID != "R" {
		t.Fatalf("expected room to stay R, got %q", msg.RoomID)
	}
	if ec, _ := edits.Get("M"); ec.Room != "R" {
		t.Fatalf("expected cached room R, got %+v", ec)
	}
}

func TestClassifyAttachmentInsertEmitsFileEvent(t *testing.T) {
	classifier, edits := newTestClassifier(newFakeRoomLookup(Room{ID: "R", Name: "general"}))
	entry := ReplicationEntry{
		Op:        OpInsert,
		Namespace: messagesNS,
		Timestamp: bson.Timestamp{T: uint32(insertTime.Unix()), I: 4},
		Object: rawDoc(bson.D{
			{Key: "_id", Value: "M2"},
			{Key: "rid", Value: "R"},
			{Key: "msg", Value: "look at this"},
			{Key: "ts", Value: insertTime},
			{Key: "u", Value: bson.D{{Key: "username", Value: "alice"}}},
			{Key: "file", Value: bson.D{{Key: "_id", Value: "F"}, {Key: "name", Value: "foo.png"}, {Key: "type", Value: "image/png"}}},
			{Key: "attachments", Value: bson.A{
				bson.D{{Key: "title", Value: "foo.png"}, {Key: "type", Value: "file"}, {Key: "image_type", Value: "image/png"}},
			}},
		}),
	}

	event, ok, err := classifier.Classify(context.Background(), entry)
	if err != nil || !ok {
		t.Fatalf("expected file event, got ok=%v err=%v", ok, err)
	}
	if event.Kind != EventFile || event.File == nil || event.Message != nil {
		t.Fatalf("expected only a file event, got %+v", event)
	}
	want := FileEvent{
		MessageID: "M2",
		RoomID:    "R",
		RoomName:  "general",
		Timestamp: insertTime,
		Username:  "alice",
		Title:     "foo.png",
		FileID:    "F",
		MediaType: "image/png",
	}
	got := *event.File
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("expected timestamp %s, got %s", want.Timestamp, got.Timestamp)
	}
	got.Timestamp = want.Timestamp
	if got != want {
		t.Fatalf("unexpected file event:\n got %+v\nwant %+v", got, want)
	}
	if ec, ok := edits.Get("M2"); !ok || ec.Room != "R" {
		t.Fatalf("expected attachment insert to seed edit context, got %+v ok=%v", ec, ok)
	}
}

func TestClassifyAttachmentUpdateUsesCachedRoom(t *testing.T) {
	classifier, _ := newTestClassifier(nil)
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "uploading"))

	entry := updateEntry("M", bson.D{
		{Key: "attachments", Value: bson.A{bson.D{{Key: "title", Value: "clip.mp4"}, {Key: "video_type", Value: "video/mp4"}}}},
		{Key: "file", Value: bson.D{{Key: "_id", Value: "F9"}}},
	})
	event, ok, err := classifier.Classify(context.Background(), entry)
	if err != nil || !ok || event.File == nil {
		t.Fatalf("expected file event, got %+v ok=%v err=%v", event, ok, err)
	}
	if event.File.RoomID != "R" || event.File.Username != "alice" || event.File.MediaType != "video/mp4" || event.File.FileID != "F9" {
		t.Fatalf("unexpected file event: %+v", *event.File)
	}
}

func quoteAttachment() bson.A {
	return bson.A{bson.D{
		{Key: "text", Value: "the original message"},
		{Key: "author_name", Value: "bob"},
		{Key: "message_link", Value: "https://chat.example.com/channel/general?msg=Q"},
	}}
}

func TestClassifyQuoteReplyInsertIsMessage(t *testing.T) {
	classifier, edits := newTestClassifier(newFakeRoomLookup(Room{ID: "R", Name: "general"}))
	entry := insertEntry("M", "R", "alice", "I disagree with this")
	entry.Object = rawDoc(bson.D{
		{Key: "_id", Value: "M"},
		{Key: "rid", Value: "R"},
		{Key: "msg", Value: "I disagree with this"},
		{Key: "ts", Value: insertTime},
		{Key: "u", Value: bson.D{{Key: "username", Value: "alice"}}},
		{Key: "attachments", Value: quoteAttachment()},
	})

	msg := classifyMessage(t, classifier, entry)
	if msg.Text != "I disagree with this" || msg.Username != "alice" || msg.RoomName != "general" {
		t.Fatalf("expected quote reply audited as text, got %+v", msg)
	}
	if ec, ok := edits.Get("M"); !ok || ec.Room != "R" || ec.Author != "alice" {
		t.Fatalf("expected quote reply to seed edit context, got %+v ok=%v", ec, ok)
	}
}

func TestClassifyQuoteReplyEditIsMessage(t *testing.T) {
	classifier, _ := newTestClassifier(newFakeRoomLookup(Room{ID: "R", Name: "general"}))
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "first"))

	msg := classifyMessage(t, classifier, updateEntry("M", bson.D{
		{Key: "msg", Value: "second thoughts"},
		{Key: "attachments", Value: quoteAttachment()},
	}))
	if !msg.Edited || msg.Text != "second thoughts" || msg.RoomID != "R" || msg.Username != "alice" {
		t.Fatalf("expected quote reply edit audited as text, got %+v", msg)
	}
}

func TestClassifyUploadWithoutAttachmentsUsesFileFields(t *testing.T) {
	classifier, _ := newTestClassifier(nil)
	entry := insertEntry("M", "R", "alice", "")
	entry.Object = rawDoc(bson.D{
		{Key: "_id", Value: "M"},
		{Key: "rid", Value: "R"},
		{Key: "ts", Value: insertTime},
		{Key: "u", Value: bson.D{{Key: "username", Value: "alice"}}},
		{Key: "file", Value: bson.D{{Key: "_id", Value: "F"}, {Key: "name", Value: "report.pdf"}, {Key: "type", Value: "application/pdf"}}},
	})

	event, ok, err := classifier.Classify(context.Background(), entry)
	if err != nil || !ok || event.File == nil {
		t.Fatalf("expected file event, got %+v ok=%v err=%v", event, ok, err)
	}
	if event.File.Title != "report.pdf" || event.File.MediaType != "application/pdf" || event.File.FileID != "F" {
		t.Fatalf("unexpected file event: %+v", *event.File)
	}
}

func TestClassifyDiffUpdateMatchesSetUpdate(t *testing.T) {
	classifier, _ := newTestClassifier(nil)
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "hello"))

	entry := ReplicationEntry{
		Op:        OpUpdate,
		Namespace: messagesNS,
		Timestamp: bson.Timestamp{T: uint32(editTime.Unix()), I: 2},
		Object: rawDoc(bson.D{
			{Key: "$v", Value: int32(2)},
			{Key: "diff", Value: bson.D{
				{Key: "u", Value: bson.D{{Key: "msg", Value: "diffed"}}},
				{Key: "i", Value: bson.D{{Key: "editedBy", Value: bson.D{{Key: "username", Value: "bob"}}}}},
			}},
		}),
		Object2: rawDoc(bson.D{{Key: "_id", Value: "M"}}),
	}
	msg := classifyMessage(t, classifier, entry)
	if msg.Text != "diffed" || msg.Username != "bob" || msg.RoomID != "R" {
		t.Fatalf("unexpected diff edit: %+v", msg)
	}
}

func TestClassifyObjectIDMessage(t *testing.T) {
	classifier, _ := newTestClassifier(nil)
	oid := bson.NewObjectID()
	entry := insertEntry("", "R", "alice", "hi")
	entry.Object = rawDoc(bson.D{
		{Key: "_id", Value: oid},
		{Key: "rid", Value: "R"},
		{Key: "msg", Value: "hi"},
		{Key: "u", Value: bson.D{{Key: "username", Value: "alice"}}},
	})
	msg := classifyMessage(t, classifier, entry)
	if msg.MessageID != oid.Hex() {
		t.Fatalf("expected hex object id, got %q", msg.MessageID)
	}
	if !msg.Timestamp.Equal(insertTime) {
		t.Fatalf("expected oplog timestamp fallback, got %s", msg.Timestamp)
	}
}

func TestClassifyIgnoresUnrelatedEntries(t *testing.T) {
	classifier, edits := newTestClassifier(nil)
	cases := []ReplicationEntry{
		{Op: OpInsert, Namespace: "rocketchat.rocketchat_room", Object: rawDoc(bson.D{{Key: "_id", Value: "R"}, {Key: "msg", Value: "x"}})},
		{Op: OpDelete, Namespace: messagesNS, Object: rawDoc(bson.D{{Key: "_id", Value: "M"}})},
		{Op: OpNoop, Namespace: ""},
		{Op: OpInsert, Namespace: messagesNS, Object: rawDoc(bson.D{{Key: "_id", Value: "M"}, {Key: "rid", Value: "R"}, {Key: "msg", Value: ""}})},
		{Op: OpInsert, Namespace: messagesNS, Object: bson.Raw{0x01, 0x02}},
		{Op: OpUpdate, Namespace: messagesNS, Object: rawDoc(bson.D{{Key: "$set", Value: bson.D{{Key: "reactions", Value: bson.D{}}}}}), Object2: rawDoc(bson.D{{Key: "_id", Value: "M"}})},
	}
	for i, entry := range cases {
		event, ok, err := classifier.Classify(context.Background(), entry)
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if ok {
			t.Fatalf("case %d: expected entry to be ignored, got %+v", i, event)
		}
	}
	if edits.Len() != 0 {
		t.Fatalf("ignored entries must not touch the cache, got %d entries", edits.Len())
	}
}

func TestClassifyNonTextUpdateRecordsEditor(t *testing.T) {
	classifier, _ := newTestClassifier(nil)
	classifyMessage(t, classifier, insertEntry("M", "R", "alice", "hello"))

	_, ok, err := classifier.Classify(context.Background(), updateEntry("M", bson.D{
		{Key: "pinned", Value: true},
		{Key: "editedBy", Value: bson.D{{Key: "username", Value: "carol"}}},
	}))
	if err != nil || ok {
		t.Fatalf("expected pin update to be ignored, got ok=%v err=%v", ok, err)
	}
	msg := classifyMessage(t, classifier, updateEntry("M", bson.D{{Key: "msg", Value: "after pin"}}))
	if msg.Username != "carol" {
		t.Fatalf("expected editor carol from earlier update, got %q", msg.Username)
	}
}

func TestClassifyPropagatesLookupFailure(t *testing.T) {
	lookup := newFakeRoomLookup()
	lookup.err = errors.New("connection reset")
	classifier, _ := newTestClassifier(lookup)

	_, ok, err := classifier.Classify(context.Background(), insertEntry("M", "R", "alice", "hello"))
	if err == nil || ok {
		t.Fatalf("expected lookup failure to surface, got ok=%v err=%v", ok, err)
	}
}

func TestClassifyEditAlwaysCarriesRoomProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every edit event has a room and a username", prop.ForAll(
		func(inserted []int, edited []int, editors []string) bool {
			classifier, _ := newTestClassifier(nil)
			for _, n := range inserted {
				id := fmt.Sprintf("m%d", n%20)
				if _, _, err := classifier.Classify(context.Background(), insertEntry(id, fmt.Sprintf("r%d", n%5), "alice", "text")); err != nil {
					return false
				}
			}
			for i, n := range edited {
				set := bson.D{{Key: "msg", Value: "edit"}}
				if i < len(editors) && editors[i] != "" {
					set = append(set, bson.E{Key: "editedBy", Value: bson.D{{Key: "username", Value: editors[i]}}})
				}
				event, ok, err := classifier.Classify(context.Background(), updateEntry(fmt.Sprintf("m%d", n%20), set))
				if err != nil || !ok || event.Message == nil {
					return false
				}
				if event.Message.RoomID == "" || event.Message.Username == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
