package mongolog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultStoreDatabase   = "chat_audit"
	defaultStoreCollection = "edit_contexts"
	snapshotID             = "default"
)

type snapshotDocument struct {
	ID        string                `bson:"_id"`
	Records   []audit.ContextRecord `bson:"records"`
	UpdatedAt time.Time             `bson:"updatedAt"`
}

// ContextStore keeps the edit-context snapshot as a single document.
type ContextStore struct {
	uri        string
	database   string
	collection string

	connect func(ctx context.Context, uri string) (*mongo.Client, error)

	// mu guards client and coll. A failed connect leaves them nil so the next
	// call retries.
	mu     sync.Mutex
	client *mongo.Client
	coll   *mongo.Collection
}

// RegisterContextStores routes mongodb:// and mongodb+srv:// context store
// DSNs to this package. The DSN path names the database and the optional
// collection query parameter names the collection.
func RegisterContextStores() {
	audit.RegisterContextStoreFactory("mongodb", NewContextStoreFromDSN)
	audit.RegisterContextStoreFactory("mongodb+srv", NewContextStoreFromDSN)
}

func NewContextStoreFromDSN(dsn string) (audit.ContextStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: mongo context store needs a host", audit.ErrInvalidInput)
	}
	query := parsed.Query()
	collection := strings.TrimSpace(query.Get("collection"))
	if collection == "" {
		collection = defaultStoreCollection
	}
	query.Del("collection")
	parsed.RawQuery = query.Encode()

	database := strings.Trim(parsed.Path, "/")
	if database == "" {
		database = defaultStoreDatabase
	}
	return &ContextStore{
		uri:        parsed.String(),
		database:   database,
		collection: collection,
		connect:    Connect,
	}, nil
}

// NewContextStore uses an already connected client. Close leaves it open.
func NewContextStore(db *mongo.Database, collection string) *ContextStore {
	if collection == "" {
		collection = defaultStoreCollection
	}
	return &ContextStore{
		database:   db.Name(),
		collection: collection,
		coll:       db.Collection(collection),
	}
}

func (s *ContextStore) Load() (*audit.ContextSnapshot, error) {
	coll, err := s.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var doc snapshotDocument
	err = coll.FindOne(ctx, bson.D{{Key: "_id", Value: snapshotID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &audit.ContextSnapshot{Records: doc.Records}, nil
}

func (s *ContextStore) Save(snapshot *audit.ContextSnapshot) error {
	if snapshot == nil {
		return nil
	}
	coll, err := s.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	doc := snapshotDocument{ID: snapshotID, Records: snapshot.Records, UpdatedAt: time.Now().UTC()}
	if doc.Records == nil {
		doc.Records = []audit.ContextRecord{}
	}
	_, err = coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: snapshotID}}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *ContextStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := Disconnect(s.client)
	s.client = nil
	s.coll = nil
	return err
}

func (s *ContextStore) ensureReady() (*mongo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll != nil {
		return s.coll, nil
	}
	client, err := s.connect(context.Background(), s.uri)
	if err != nil {
		return nil, fmt.Errorf("connect edit context store: %w", err)
	}
	s.client = client
	s.coll = client.Database(s.database).Collection(s.collection)
	return s.coll, nil
}
