package mongolog

import (
	"context"
	"fmt"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	DefaultOplogDatabase   = "local"
	DefaultOplogCollection = "oplog.rs"

	defaultMaxAwait = 10 * time.Second
)

type oplogDocument struct {
	Op        string         `bson:"op"`
	Namespace string         `bson:"ns"`
	Timestamp bson.Timestamp `bson:"ts"`
	Wall      time.Time      `bson:"wall"`
	Object    bson.Raw       `bson:"o"`
	Object2   bson.Raw       `bson:"o2"`
}

func (d oplogDocument) entry() audit.ReplicationEntry {
	return audit.ReplicationEntry{
		Op:        audit.OpKind(d.Op),
		Namespace: d.Namespace,
		Timestamp: d.Timestamp,
		Wall:      d.Wall,
		Object:    d.Object,
		Object2:   d.Object2,
	}
}

// Oplog reads the replica set oplog. It satisfies audit.ReplicationLog.
type Oplog struct {
	collection *mongo.Collection
	maxAwait   time.Duration
}

func NewOplog(client *mongo.Client, database, collection string) *Oplog {
	if database == "" {
		database = DefaultOplogDatabase
	}
	if collection == "" {
		collection = DefaultOplogCollection
	}
	return &Oplog{
		collection: client.Database(database).Collection(collection),
		maxAwait:   defaultMaxAwait,
	}
}

// Recent returns up to n entries in reverse natural (insertion) order.
func (o *Oplog) Recent(ctx context.Context, n int) ([]audit.ReplicationEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "$natural", Value: -1}}).
		SetLimit(int64(n))
	cursor, err := o.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query oplog: %w", err)
	}
	defer cursor.Close(ctx)

	entries := make([]audit.ReplicationEntry, 0, n)
	for cursor.Next(ctx) {
		var doc oplogDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode oplog entry: %w", err)
		}
		entries = append(entries, doc.entry())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate oplog: %w", err)
	}
	return entries, nil
}

// Tail opens a tailable-await cursor over entries with ts greater than after.
func (o *Oplog) Tail(ctx context.Context, after bson.Timestamp) (audit.EntryCursor, error) {
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(o.maxAwait)
	filter := bson.D{{Key: "ts", Value: bson.D{{Key: "$gt", Value: after}}}}
	cursor, err := o.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("open oplog cursor: %w", err)
	}
	return &oplogCursor{cursor: cursor}, nil
}

type oplogCursor struct {
	cursor *mongo.Cursor
}

// Next blocks on the server between batches. A false Next without an error
// means the server dropped the cursor.
func (c *oplogCursor) Next(ctx context.Context) (audit.ReplicationEntry, error) {
	if !c.cursor.Next(ctx) {
		if err := c.cursor.Err(); err != nil {
			return audit.ReplicationEntry{}, err
		}
		return audit.ReplicationEntry{}, audit.ErrCursorClosed
	}
	var doc oplogDocument
	if err := c.cursor.Decode(&doc); err != nil {
		return audit.ReplicationEntry{}, fmt.Errorf("decode oplog entry: %w", err)
	}
	return doc.entry(), nil
}

func (c *oplogCursor) Close(ctx context.Context) error {
	return c.cursor.Close(ctx)
}
