// Package redis is a store.MessageStore backed by Redis.
//
// Layout per session id:
//
//	fix:<id>:local            next outbound seq (string counter)
//	fix:<id>:remote           next expected inbound seq
//	fix:<id>:<dir>            hash seq -> JSON fields
//	fix:<id>:<dir>:idx        sorted set of seqs, score = seq
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
)

// pageSize bounds each ZRANGEBYSCORE round trip while iterating.
const pageSize = 256

type Store struct {
	client *redis.Client

	mu   sync.RWMutex
	open map[string]bool
}

// New wraps an existing client. The caller owns the client's lifetime.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := New(client)
func New(client *redis.Client) *Store {
	return &Store{client: client, open: make(map[string]bool)}
}

// NewFromURL parses a redis:// URL and connects.
func NewFromURL(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping error: %w", err)
	}
	return New(client), nil
}

// Client exposes the underlying client so the owner can close it.
func (s *Store) Client() *redis.Client { return s.client }

func key(id string, parts ...string) string {
	k := "fix:" + id
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) Open(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, key(id, "local"), 1, 0)
	pipe.SetNX(ctx, key(id, "remote"), 1, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis open error: %w", err)
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

func (s *Store) check(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open[id] {
		return store.ErrNotOpen
	}
	return nil
}

func (s *Store) get(ctx context.Context, k string) (int, error) {
	n, err := s.client.Get(ctx, k).Int()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get error: %w", err)
	}
	return n, nil
}

func (s *Store) GetLocal(ctx context.Context, id string) (int, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	return s.get(ctx, key(id, "local"))
}

func (s *Store) GetRemote(ctx context.Context, id string) (int, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	return s.get(ctx, key(id, "remote"))
}

func (s *Store) set(ctx context.Context, id, which string, n int) error {
	if err := s.check(id); err != nil {
		return err
	}
	if err := s.client.Set(ctx, key(id, which), n, 0).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (s *Store) SetLocal(ctx context.Context, id string, n int) error {
	return s.set(ctx, id, "local", n)
}

func (s *Store) SetRemote(ctx context.Context, id string, n int) error {
	return s.set(ctx, id, "remote", n)
}

func (s *Store) incr(ctx context.Context, id, which string) (int, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	n, err := s.client.Incr(ctx, key(id, which)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr error: %w", err)
	}
	return int(n), nil
}

func (s *Store) IncrLocal(ctx context.Context, id string) (int, error) {
	return s.incr(ctx, id, "local")
}

func (s *Store) IncrRemote(ctx context.Context, id string) (int, error) {
	return s.incr(ctx, id, "remote")
}

func (s *Store) StoreMessage(ctx context.Context, id string, dir store.Direction, msg *fix.Message) error {
	if err := s.check(id); err != nil {
		return err
	}
	data, err := json.Marshal(msg.Fields())
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	seq := msg.SeqNum()
	member := strconv.Itoa(seq)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key(id, dir.String()), member, data)
	pipe.ZAdd(ctx, key(id, dir.String(), "idx"), redis.Z{Score: float64(seq), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store error: %w", err)
	}
	return nil
}

// GetMessages pages through the index so a large resend window is never
// loaded at once.
func (s *Store) GetMessages(ctx context.Context, id string, dir store.Direction, from, to int) iter.Seq2[*fix.Message, error] {
	return func(yield func(*fix.Message, error) bool) {
		if err := s.check(id); err != nil {
			yield(nil, err)
			return
		}
		maxScore := "+inf"
		if to != 0 {
			maxScore = strconv.Itoa(to)
		}
		hash := key(id, dir.String())
		idx := key(id, dir.String(), "idx")

		for offset := int64(0); ; offset += pageSize {
			members, err := s.client.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
				Min:    strconv.Itoa(from),
				Max:    maxScore,
				Offset: offset,
				Count:  pageSize,
			}).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redis range error: %w", err))
				return
			}
			if len(members) == 0 {
				return
			}
			values, err := s.client.HMGet(ctx, hash, members...).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redis hmget error: %w", err))
				return
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue // index entry without a body
				}
				var fields []fix.Field
				if err := json.Unmarshal([]byte(raw), &fields); err != nil {
					yield(nil, fmt.Errorf("failed to unmarshal message: %w", err))
					return
				}
				if !yield(fix.NewMessageFromFields(fields), nil) {
					return
				}
			}
			if len(members) < pageSize {
				return
			}
		}
	}
}
