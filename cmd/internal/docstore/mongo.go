package docstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Store backed by a MongoDB collection.
// Bodies are kept as JSON text so member ids containing '.' or '$' survive untouched.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
}

type mongoGame struct {
	ID         string    `bson:"_id"`
	Version    int64     `bson:"version"`
	Body       string    `bson:"body"`
	LastActive time.Time `bson:"last_active"`
	CreatedAt  time.Time `bson:"created_at"`
}

// ConnectMongo dials uri and returns a store over database db, collection "games".
// The returned store owns the client and disconnects it on Close.
func ConnectMongo(ctx context.Context, uri, db string) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("docstore: empty mongo uri")
	}
	if strings.TrimSpace(db) == "" {
		db = "tablesync"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	st := NewMongoStore(client, db)
	st.owned = true
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}

// NewMongoStore wraps an existing client. The caller keeps ownership of client.
func NewMongoStore(client *mongo.Client, db string) *MongoStore {
	return &MongoStore{
		client: client,
		coll:   client.Database(db).Collection("games"),
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "last_active", Value: 1}},
	})
	return err
}

// Close disconnects the client when the store owns it.
func (s *MongoStore) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Create inserts a new game.
func (s *MongoStore) Create(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Create", doc); err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.LastActive.IsZero() {
		doc.LastActive = now
	}
	_, err := s.coll.InsertOne(ctx, mongoGame{
		ID:         doc.ID,
		Version:    doc.Version,
		Body:       string(doc.Body),
		LastActive: doc.LastActive.UTC(),
		CreatedAt:  doc.CreatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return OpError{Op: "docstore.Create", Kind: ErrConflict, Msg: doc.ID}
	}
	return err
}

// Load reads one game.
func (s *MongoStore) Load(ctx context.Context, gameID string) (Document, error) {
	var g mongoGame
	err := s.coll.FindOne(ctx, bson.M{"_id": gameID}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, OpError{Op: "docstore.Load", Kind: ErrNotFound, Msg: gameID}
	}
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:         g.ID,
		Version:    g.Version,
		Body:       []byte(g.Body),
		LastActive: g.LastActive.UTC(),
		CreatedAt:  g.CreatedAt.UTC(),
	}, nil
}

// Save updates an existing game unless the stored version is newer.
func (s *MongoStore) Save(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Save", doc); err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "version": bson.M{"$lte": doc.Version}},
		bson.M{
			"$set": bson.M{"version": doc.Version, "body": string(doc.Body)},
			"$max": bson.M{"last_active": doc.LastActive.UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": doc.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return OpError{Op: "docstore.Save", Kind: ErrNotFound, Msg: doc.ID}
	}
	return OpError{Op: "docstore.Save", Kind: ErrConflict, Msg: "stale version"}
}

// Touch moves last_active forward.
func (s *MongoStore) Touch(ctx context.Context, gameID string, ts time.Time) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": gameID},
		bson.M{"$max": bson.M{"last_active": ts.UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return OpError{Op: "docstore.Touch", Kind: ErrNotFound, Msg: gameID}
	}
	return nil
}

// PurgeInactive deletes games idle since before cutoff.
func (s *MongoStore) PurgeInactive(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	filter := bson.M{"last_active": bson.M{"$lt": cutoff.UTC()}}
	if len(keep) > 0 {
		filter["_id"] = bson.M{"$nin": keep}
	}
	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
