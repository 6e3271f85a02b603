package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
)

// seqnums is the JSON structure persisted for each session's counters.
type seqnums struct {
	Local  int `json:"local"`
	Remote int `json:"remote"`
}

// record is one line of a message log.
type record struct {
	Seq    int         `json:"seq"`
	Fields []fix.Field `json:"fields"`
}

// Store is a file-backed store.MessageStore rooted at a directory.
// Each session gets a counters file, rewritten atomically on every change,
// and one append-only log per direction. Logs are re-read on every
// GetMessages call; the last record for a sequence number wins.
// Not suitable for multi-process deployments.
type Store struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*seqnums
}

// New creates a file-backed store under dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return &Store{dir: dir, sessions: make(map[string]*seqnums)}, nil
}

var unsafeChars = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

func (s *Store) base(id string) string {
	return filepath.Join(s.dir, unsafeChars.Replace(id))
}

func (s *Store) seqPath(id string) string { return s.base(id) + ".seqnums.json" }

func (s *Store) logPath(id string, dir store.Direction) string {
	return s.base(id) + "." + dir.String() + ".jsonl"
}

// Open loads the session's counters, starting both at 1 if no file exists yet.
func (s *Store) Open(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := &seqnums{Local: 1, Remote: 1}
	data, err := os.ReadFile(s.seqPath(id))
	switch {
	case os.IsNotExist(err):
		// fresh session, no file yet
	case err != nil:
		return fmt.Errorf("failed to load seqnums for %s: %w", id, err)
	default:
		if err := json.Unmarshal(data, n); err != nil {
			return fmt.Errorf("failed to decode seqnums for %s: %w", id, err)
		}
	}
	s.sessions[id] = n
	return s.flush(id)
}

func (s *Store) Close(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// update applies fn to the session's counters and persists the result.
func (s *Store) update(id string, fn func(n *seqnums) int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.sessions[id]
	if !ok {
		return 0, store.ErrNotOpen
	}
	v := fn(n)
	if err := s.flush(id); err != nil {
		return 0, fmt.Errorf("failed to persist seqnums: %w", err)
	}
	return v, nil
}

func (s *Store) read(id string, fn func(n *seqnums) int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.sessions[id]
	if !ok {
		return 0, store.ErrNotOpen
	}
	return fn(n), nil
}

func (s *Store) GetLocal(_ context.Context, id string) (int, error) {
	return s.read(id, func(n *seqnums) int { return n.Local })
}

func (s *Store) GetRemote(_ context.Context, id string) (int, error) {
	return s.read(id, func(n *seqnums) int { return n.Remote })
}

func (s *Store) SetLocal(_ context.Context, id string, v int) error {
	_, err := s.update(id, func(n *seqnums) int { n.Local = v; return v })
	return err
}

func (s *Store) SetRemote(_ context.Context, id string, v int) error {
	_, err := s.update(id, func(n *seqnums) int { n.Remote = v; return v })
	return err
}

func (s *Store) IncrLocal(_ context.Context, id string) (int, error) {
	return s.update(id, func(n *seqnums) int { n.Local++; return n.Local })
}

func (s *Store) IncrRemote(_ context.Context, id string) (int, error) {
	return s.update(id, func(n *seqnums) int { n.Remote++; return n.Remote })
}

// StoreMessage appends msg to the direction's log.
func (s *Store) StoreMessage(_ context.Context, id string, dir store.Direction, msg *fix.Message) error {
	line, err := json.Marshal(record{Seq: msg.SeqNum(), Fields: msg.Fields()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotOpen
	}
	f, err := os.OpenFile(s.logPath(id, dir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(_ context.Context, id string, dir store.Direction, from, to int) iter.Seq2[*fix.Message, error] {
	return func(yield func(*fix.Message, error) bool) {
		s.mu.Lock()
		_, ok := s.sessions[id]
		s.mu.Unlock()
		if !ok {
			yield(nil, store.ErrNotOpen)
			return
		}

		latest, err := s.scan(id, dir, from, to)
		if err != nil {
			yield(nil, err)
			return
		}
		seqs := make([]int, 0, len(latest))
		for seq := range latest {
			seqs = append(seqs, seq)
		}
		slices.Sort(seqs)
		for _, seq := range seqs {
			if !yield(fix.NewMessageFromFields(latest[seq]), nil) {
				return
			}
		}
	}
}

// scan reads the log and keeps the last record for each in-range seq.
func (s *Store) scan(id string, dir store.Direction, from, to int) (map[int][]fix.Field, error) {
	latest := make(map[int][]fix.Field)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.logPath(id, dir))
	if os.IsNotExist(err) {
		return latest, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), fix.MaxMessageSize*2)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("corrupt message log %s: %w", f.Name(), err)
		}
		if store.InRange(r.Seq, from, to) {
			latest[r.Seq] = r.Fields
		}
	}
	return latest, sc.Err()
}

// flush writes the session's counters. Must be called with the lock held.
func (s *Store) flush(id string) error {
	data, err := json.MarshalIndent(s.sessions[id], "", "  ")
	if err != nil {
		return err
	}

	// write to a temp file then rename so a crash never leaves a torn file
	path := s.seqPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
