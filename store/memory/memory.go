package memory

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
)

// ledger is everything kept for one session id.
type ledger struct {
	open     bool
	local    int
	remote   int
	messages [2]map[int]*fix.Message // indexed by store.Direction
}

// Store is a thread-safe in-memory store.MessageStore.
// Suitable for tests and single-process sessions that may start from
// sequence 1 after a restart. Ledgers survive Close so a reconnect within
// the process picks up where it left off.
type Store struct {
	mu      sync.RWMutex
	ledgers map[string]*ledger
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{ledgers: make(map[string]*ledger)}
}

func (s *Store) Open(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[id]
	if !ok {
		l = &ledger{
			local:    1,
			remote:   1,
			messages: [2]map[int]*fix.Message{{}, {}},
		}
		s.ledgers[id] = l
	}
	l.open = true
	return nil
}

func (s *Store) Close(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[id]; ok {
		l.open = false
	}
	return nil
}

// lookup must be called with the lock held.
func (s *Store) lookup(id string) (*ledger, error) {
	l, ok := s.ledgers[id]
	if !ok || !l.open {
		return nil, store.ErrNotOpen
	}
	return l, nil
}

func (s *Store) GetLocal(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	return l.local, nil
}

func (s *Store) GetRemote(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	return l.remote, nil
}

func (s *Store) SetLocal(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(id)
	if err != nil {
		return err
	}
	l.local = n
	return nil
}

func (s *Store) SetRemote(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(id)
	if err != nil {
		return err
	}
	l.remote = n
	return nil
}

func (s *Store) IncrLocal(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	l.local++
	return l.local, nil
}

func (s *Store) IncrRemote(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	l.remote++
	return l.remote, nil
}

// StoreMessage keeps a copy of msg under its MsgSeqNum. A later message with
// the same number replaces the earlier one.
func (s *Store) StoreMessage(_ context.Context, id string, dir store.Direction, msg *fix.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(id)
	if err != nil {
		return err
	}
	l.messages[dir][msg.SeqNum()] = msg.Clone()
	return nil
}

// GetMessages snapshots the matching sequence numbers when iteration starts
// and yields clones, so callers may mutate what they receive.
func (s *Store) GetMessages(_ context.Context, id string, dir store.Direction, from, to int) iter.Seq2[*fix.Message, error] {
	return func(yield func(*fix.Message, error) bool) {
		s.mu.RLock()
		l, err := s.lookup(id)
		if err != nil {
			s.mu.RUnlock()
			yield(nil, err)
			return
		}
		var msgs []*fix.Message
		for seq, m := range l.messages[dir] {
			if store.InRange(seq, from, to) {
				msgs = append(msgs, m.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(msgs, func(a, b *fix.Message) int { return a.SeqNum() - b.SeqNum() })
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Count returns the number of session ledgers held, open or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledgers)
}
