package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
)

const (
	SeqnumCollectionName  = "fix_seqnums"
	MessageCollectionName = "fix_messages"
)

// DefaultOperationTimeout bounds each database round trip.
const DefaultOperationTimeout = 5 * time.Second

type seqnumDoc struct {
	ID     string `bson:"_id"`
	Local  int    `bson:"local"`
	Remote int    `bson:"remote"`
}

type fieldDoc struct {
	Tag   int    `bson:"tag"`
	Value string `bson:"value"`
}

type messageDoc struct {
	SessionID string     `bson:"session_id"`
	Direction string     `bson:"direction"`
	Seq       int        `bson:"seq"`
	Fields    []fieldDoc `bson:"fields"`
}

// Store is a store.MessageStore backed by two MongoDB collections: one
// document of counters per session and one document per stored message.
type Store struct {
	db               *mongo.Database
	seqnums          *mongo.Collection
	messages         *mongo.Collection
	OperationTimeout time.Duration

	mu   sync.RWMutex
	open map[string]bool
}

// Connect dials uri, pings, and ensures the message index exists.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	clientOptions := options.Client().ApplyURI(uri).SetAppName("fixsession")
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occurred while connecting to database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occurred while pinging database: %w", err)
	}
	s, err := New(ctx, client.Database(database))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// New uses an existing database handle. The caller owns the client.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		db:               db,
		seqnums:          db.Collection(SeqnumCollectionName),
		messages:         db.Collection(MessageCollectionName),
		OperationTimeout: DefaultOperationTimeout,
		open:             make(map[string]bool),
	}
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "direction", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("fix_messages_session_dir_seq_unique"),
	})
	if err != nil {
		return nil, fmt.Errorf("error occurred while creating database indexes: %w", err)
	}
	return s, nil
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.OperationTimeout)
}

func (s *Store) check(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open[id] {
		return store.ErrNotOpen
	}
	return nil
}

func (s *Store) Open(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.seqnums.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "local", Value: 1}, {Key: "remote", Value: 1}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	s.mu.Lock()
	s.open[id] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Close(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*seqnumDoc, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc seqnumDoc
	err := s.seqnums.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("document does not exist: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return &doc, nil
}

func (s *Store) GetLocal(ctx context.Context, id string) (int, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return doc.Local, nil
}

func (s *Store) GetRemote(ctx context.Context, id string) (int, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return doc.Remote, nil
}

func (s *Store) set(ctx context.Context, id, field string, n int) error {
	if err := s.check(id); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.seqnums.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: n}}}},
	)
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (s *Store) SetLocal(ctx context.Context, id string, n int) error {
	return s.set(ctx, id, "local", n)
}

func (s *Store) SetRemote(ctx context.Context, id string, n int) error {
	return s.set(ctx, id, "remote", n)
}

func (s *Store) incr(ctx context.Context, id, field string) (int, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc seqnumDoc
	err := s.seqnums.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: field, Value: 1}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("database operation failed: %w", err)
	}
	if field == "local" {
		return doc.Local, nil
	}
	return doc.Remote, nil
}

func (s *Store) IncrLocal(ctx context.Context, id string) (int, error) {
	return s.incr(ctx, id, "local")
}

func (s *Store) IncrRemote(ctx context.Context, id string) (int, error) {
	return s.incr(ctx, id, "remote")
}

// StoreMessage upserts on (session_id, direction, seq) so a later message
// with the same number replaces the earlier one.
func (s *Store) StoreMessage(ctx context.Context, id string, dir store.Direction, msg *fix.Message) error {
	if err := s.check(id); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	doc := messageDoc{SessionID: id, Direction: dir.String(), Seq: msg.SeqNum()}
	for _, f := range msg.Fields() {
		doc.Fields = append(doc.Fields, fieldDoc{Tag: int(f.Tag), Value: f.Value})
	}
	filter := bson.D{
		{Key: "session_id", Value: id},
		{Key: "direction", Value: doc.Direction},
		{Key: "seq", Value: doc.Seq},
	}
	if _, err := s.messages.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// GetMessages streams from a cursor sorted by seq. The operation timeout
// applies to each batch fetch rather than the whole iteration.
func (s *Store) GetMessages(ctx context.Context, id string, dir store.Direction, from, to int) iter.Seq2[*fix.Message, error] {
	return func(yield func(*fix.Message, error) bool) {
		if err := s.check(id); err != nil {
			yield(nil, err)
			return
		}
		rng := bson.D{{Key: "$gte", Value: from}}
		if to != 0 {
			rng = append(rng, bson.E{Key: "$lte", Value: to})
		}
		filter := bson.D{
			{Key: "session_id", Value: id},
			{Key: "direction", Value: dir.String()},
			{Key: "seq", Value: rng},
		}

		findCtx, cancel := s.opCtx(ctx)
		cur, err := s.messages.Find(findCtx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
		cancel()
		if err != nil {
			yield(nil, fmt.Errorf("database operation failed: %w", err))
			return
		}
		defer cur.Close(context.Background())

		for {
			nextCtx, cancel := s.opCtx(ctx)
			ok := cur.Next(nextCtx)
			cancel()
			if !ok {
				break
			}
			var doc messageDoc
			if err := cur.Decode(&doc); err != nil {
				yield(nil, fmt.Errorf("failed to decode message: %w", err))
				return
			}
			fields := make([]fix.Field, 0, len(doc.Fields))
			for _, f := range doc.Fields {
				fields = append(fields, fix.Field{Tag: fix.Tag(f.Tag), Value: f.Value})
			}
			if !yield(fix.NewMessageFromFields(fields), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, fmt.Errorf("cursor error: %w", err))
		}
	}
}
