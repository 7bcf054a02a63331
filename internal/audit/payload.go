package audit

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// messageDocument covers the rocketchat_message fields the auditor reads. It
// decodes both full inserted documents and update deltas; absent fields stay
// zero (nil for pointers and slices).
type messageDocument struct {
	ID          bson.RawValue   `bson:"_id"`
	RoomID      string          `bson:"rid"`
	Text        *string         `bson:"msg"`
	Timestamp   time.Time       `bson:"ts"`
	User        *userRef        `bson:"u"`
	EditedAt    time.Time       `bson:"editedAt"`
	EditedBy    *userRef        `bson:"editedBy"`
	Attachments []attachmentRef `bson:"attachments"`
	File        *fileRef        `bson:"file"`
}

type userRef struct {
	Username string `bson:"username"`
}

type attachmentRef struct {
	Title     string `bson:"title"`
	Type      string `bson:"type"`
	ImageType string `bson:"image_type"`
	AudioType string `bson:"audio_type"`
	VideoType string `bson:"video_type"`
}

type fileRef struct {
	ID   bson.RawValue `bson:"_id"`
	Name string        `bson:"name"`
	Type string        `bson:"type"`
}

type updateSpecification struct {
	Set  bson.Raw    `bson:"$set"`
	Diff *updateDiff `bson:"diff"`
}

// updateDiff is the $v:2 update format written by MongoDB 5.0 and later.
type updateDiff struct {
	Updated  bson.Raw `bson:"u"`
	Inserted bson.Raw `bson:"i"`
}

type documentKey struct {
	ID bson.RawValue `bson:"_id"`
}

func decodeMessage(raw bson.Raw) (messageDocument, error) {
	var doc messageDocument
	if len(raw) == 0 {
		return doc, ErrInvalidInput
	}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return messageDocument{}, err
	}
	return doc, nil
}

// decodeUpdateDelta flattens an update specification into the fields it
// changes. Replacement-style updates (no operators) are their own delta.
func decodeUpdateDelta(raw bson.Raw) (messageDocument, error) {
	if len(raw) == 0 {
		return messageDocument{}, ErrInvalidInput
	}
	var update updateSpecification
	if err := bson.Unmarshal(raw, &update); err != nil {
		return messageDocument{}, err
	}

	var parts []bson.Raw
	switch {
	case update.Set != nil:
		parts = append(parts, update.Set)
	case update.Diff != nil:
		parts = append(parts, update.Diff.Updated, update.Diff.Inserted)
	default:
		replacement, err := isReplacement(raw)
		if err != nil {
			return messageDocument{}, err
		}
		if replacement {
			parts = append(parts, raw)
		}
	}

	var delta messageDocument
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		var doc messageDocument
		if err := bson.Unmarshal(part, &doc); err != nil {
			return messageDocument{}, err
		}
		delta.merge(doc)
	}
	return delta, nil
}

func isReplacement(raw bson.Raw) (bool, error) {
	elements, err := raw.Elements()
	if err != nil {
		return false, err
	}
	if len(elements) == 0 {
		return false, nil
	}
	return !strings.HasPrefix(elements[0].Key(), "$"), nil
}

func (d *messageDocument) merge(other messageDocument) {
	if other.ID.Type != 0 {
		d.ID = other.ID
	}
	if other.RoomID != "" {
		d.RoomID = other.RoomID
	}
	if other.Text != nil {
		d.Text = other.Text
	}
	if !other.Timestamp.IsZero() {
		d.Timestamp = other.Timestamp
	}
	if other.User != nil {
		d.User = other.User
	}
	if !other.EditedAt.IsZero() {
		d.EditedAt = other.EditedAt
	}
	if other.EditedBy != nil {
		d.EditedBy = other.EditedBy
	}
	if other.Attachments != nil {
		d.Attachments = other.Attachments
	}
	if other.File != nil {
		d.File = other.File
	}
}

func (d messageDocument) author() string {
	if d.User == nil {
		return ""
	}
	return d.User.Username
}

func (d messageDocument) editor() string {
	if d.EditedBy == nil {
		return ""
	}
	return d.EditedBy.Username
}

func (d messageDocument) fileID() string {
	if d.File == nil {
		return ""
	}
	return rawIDString(d.File.ID)
}

// hasUpload reports whether the document references an uploaded file. Quote
// replies, message links and integration posts carry attachments too, but no
// file, and are audited as text.
func (d messageDocument) hasUpload() bool {
	return d.File != nil && d.fileID() != ""
}

func (a attachmentRef) mediaType() string {
	for _, candidate := range []string{a.ImageType, a.AudioType, a.VideoType, a.Type} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func updatedMessageID(object2 bson.Raw) string {
	if len(object2) == 0 {
		return ""
	}
	var key documentKey
	if err := bson.Unmarshal(object2, &key); err != nil {
		return ""
	}
	return rawIDString(key.ID)
}

func rawIDString(value bson.RawValue) string {
	if s, ok := value.StringValueOK(); ok {
		return s
	}
	if oid, ok := value.ObjectIDOK(); ok {
		return oid.Hex()
	}
	return ""
}
