package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docsync/internal/crdt"
)

// MongoStore keeps documents in a "documents" collection, which also holds
// each document's sequence counter, and log entries in an "updates"
// collection ordered by that sequence.
type MongoStore struct {
	client    *mongo.Client
	documents *mongo.Collection
	updates   *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type documentRecord struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

type updateRecord struct {
	Doc  string `bson:"doc"`
	Seq  int64  `bson:"seq"`
	Data []byte `bson:"data"`
}

// NewMongoStore connects to MongoDB and ensures the log index exists.
func NewMongoStore(ctx context.Context, cfg Config) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	m := &MongoStore{
		client:    client,
		documents: db.Collection("documents"),
		updates:   db.Collection("updates"),
	}
	_, err = m.updates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "doc", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return m, nil
}

func (m *MongoStore) ListDocuments(ctx context.Context) ([]string, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := m.documents.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []documentRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (m *MongoStore) CreateDocument(ctx context.Context, id string) error {
	_, err := m.documents.InsertOne(ctx, documentRecord{ID: id})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("create %q: %w", id, ErrDocumentExists)
	}
	if err != nil {
		return fmt.Errorf("create %q: %w", id, err)
	}
	return nil
}

func (m *MongoStore) exists(ctx context.Context, id string) error {
	err := m.documents.FindOne(ctx, bson.M{"_id": id}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrDocumentNotFound
	}
	return err
}

func (m *MongoStore) readLog(ctx context.Context, id string) ([]updateRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := m.updates.Find(ctx, bson.M{"doc": id}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var log []updateRecord
	err = cursor.All(ctx, &log)
	return log, err
}

func (m *MongoStore) LoadDocument(ctx context.Context, id string) ([]byte, error) {
	if err := m.exists(ctx, id); err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	log, err := m.readLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	return crdt.MergeUpdates(payloads(log)...)
}

func (m *MongoStore) AppendUpdate(ctx context.Context, id string, update []byte) error {
	var doc documentRecord
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.documents.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("append %q: %w", id, ErrDocumentNotFound)
	}
	if err != nil {
		return fmt.Errorf("append %q: %w", id, err)
	}

	if _, err := m.updates.InsertOne(ctx, updateRecord{Doc: id, Seq: doc.Seq, Data: update}); err != nil {
		return fmt.Errorf("append %q: %w", id, err)
	}
	return nil
}

// Compact inserts the merged snapshot before deleting what it replaces, so
// an interrupted compaction leaves duplicates, never gaps.
func (m *MongoStore) Compact(ctx context.Context, id string) error {
	if err := m.exists(ctx, id); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	log, err := m.readLog(ctx, id)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if len(log) <= 1 {
		return nil
	}
	merged, err := crdt.MergeUpdates(payloads(log)...)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}

	maxSeq := log[len(log)-1].Seq
	res, err := m.updates.InsertOne(ctx, updateRecord{Doc: id, Seq: maxSeq, Data: merged})
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	_, err = m.updates.DeleteMany(ctx, bson.M{
		"doc": id,
		"seq": bson.M{"$lte": maxSeq},
		"_id": bson.M{"$ne": res.InsertedID},
	})
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	return nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close() error {
	return m.client.Disconnect(context.Background())
}

func payloads(log []updateRecord) [][]byte {
	out := make([][]byte, len(log))
	for i, u := range log {
		out[i] = u.Data
	}
	return out
}
