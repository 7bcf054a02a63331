package sinks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	DefaultAuditDatabase  = "rocketchat_audit"
	DefaultUploadsBucket  = "rocketchat_uploads"
	auditMessagesName     = "messages"
	auditFilesBucket      = "file_uploads"
	mongoOperationTimeout = 30 * time.Second
)

type auditRecord struct {
	RoomID   string    `bson:"room_id"`
	RoomName string    `bson:"room_name"`
	TS       time.Time `bson:"ts"`
	Username string    `bson:"username"`
	Msg      string    `bson:"msg"`
}

type MongoSinkOptions struct {
	// Source is the chat database that holds the uploads bucket.
	Source        *mongo.Database
	Audit         *mongo.Database
	UploadsBucket string
	// ArchiveFiles copies each uploaded file into the audit database.
	ArchiveFiles bool
	Logger       *slog.Logger
}

// MongoSink records every event in the audit database's messages collection
// and optionally copies uploaded files to its file_uploads GridFS bucket.
type MongoSink struct {
	messages *mongo.Collection
	uploads  *mongo.GridFSBucket
	archive  *mongo.GridFSBucket
	logger   *slog.Logger
}

func NewMongoSink(opts MongoSinkOptions) (*MongoSink, error) {
	if opts.Audit == nil {
		return nil, fmt.Errorf("%w: audit database is required", audit.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := &MongoSink{
		messages: opts.Audit.Collection(auditMessagesName),
		logger:   logger,
	}
	if opts.ArchiveFiles {
		if opts.Source == nil {
			return nil, fmt.Errorf("%w: source database is required to archive files", audit.ErrInvalidInput)
		}
		bucket := opts.UploadsBucket
		if bucket == "" {
			bucket = DefaultUploadsBucket
		}
		sink.uploads = opts.Source.GridFSBucket(options.GridFSBucket().SetName(bucket))
		sink.archive = opts.Audit.GridFSBucket(options.GridFSBucket().SetName(auditFilesBucket))
	}
	return sink, nil
}

func (s *MongoSink) OnMessage(ctx context.Context, event audit.MessageEvent) error {
	return s.record(ctx, auditRecord{
		RoomID:   event.RoomID,
		RoomName: event.RoomName,
		TS:       event.Timestamp.UTC(),
		Username: event.Username,
		Msg:      event.Text,
	})
}

func (s *MongoSink) OnFile(ctx context.Context, event audit.FileEvent) error {
	err := s.record(ctx, auditRecord{
		RoomID:   event.RoomID,
		RoomName: event.RoomName,
		TS:       event.Timestamp.UTC(),
		Username: event.Username,
		Msg:      FileSummary(event),
	})
	if err != nil {
		return err
	}
	if s.archive == nil || event.FileID == "" {
		return nil
	}
	return s.archiveUpload(ctx, event)
}

// record upserts on the full document so a redelivered event does not
// produce a second audit row.
func (s *MongoSink) record(ctx context.Context, rec auditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	filter := bson.D{
		{Key: "room_id", Value: rec.RoomID},
		{Key: "ts", Value: rec.TS},
		{Key: "username", Value: rec.Username},
		{Key: "msg", Value: rec.Msg},
	}
	_, err := s.messages.UpdateOne(ctx, filter, bson.D{{Key: "$setOnInsert", Value: rec}}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("record audit message: %w", err)
	}
	return nil
}

func (s *MongoSink) archiveUpload(ctx context.Context, event audit.FileEvent) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	existing, err := s.archive.Find(ctx, bson.D{{Key: "metadata.sourceFileId", Value: event.FileID}})
	if err != nil {
		return fmt.Errorf("check archived upload %s: %w", event.FileID, err)
	}
	already := existing.Next(ctx)
	_ = existing.Close(ctx)
	if already {
		return nil
	}

	source, err := s.uploads.OpenDownloadStream(ctx, event.FileID)
	if errors.Is(err, mongo.ErrFileNotFound) {
		s.logger.Warn("uploaded file not found; nothing to archive", "file_id", event.FileID, "title", event.Title)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open upload %s: %w", event.FileID, err)
	}
	defer source.Close()

	metadata := bson.D{
		{Key: "contentType", Value: event.MediaType},
		{Key: "sourceFileId", Value: event.FileID},
		{Key: "messageId", Value: event.MessageID},
		{Key: "roomId", Value: event.RoomID},
		{Key: "username", Value: event.Username},
	}
	filename := event.Title
	if filename == "" {
		filename = event.FileID
	}
	id, err := s.archive.UploadFromStream(ctx, filename, source, options.GridFSUpload().SetMetadata(metadata))
	if err != nil {
		return fmt.Errorf("archive upload %s: %w", event.FileID, err)
	}
	s.logger.Debug("archived upload", "file_id", event.FileID, "archive_id", id.Hex())
	return nil
}
