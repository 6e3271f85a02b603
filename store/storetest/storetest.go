// Package storetest holds the behaviour every store.MessageStore must share.
// Implementation packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
)

// Factory returns a fresh store. Stores that hold external resources should
// register their cleanup with t.Cleanup.
type Factory func(t *testing.T) store.MessageStore

func msg(msgType string, seq int) *fix.Message {
	return fix.NewMessage(msgType).
		Set(fix.TagBeginString, "FIX.4.4").
		Set(fix.TagSenderCompID, "A").
		Set(fix.TagTargetCompID, "B").
		SetInt(fix.TagMsgSeqNum, seq)
}

func collect(t *testing.T, s store.MessageStore, id string, dir store.Direction, from, to int) []int {
	t.Helper()
	var seqs []int
	for m, err := range s.GetMessages(context.Background(), id, dir, from, to) {
		require.NoError(t, err)
		seqs = append(seqs, m.SeqNum())
	}
	return seqs
}

// Run exercises the MessageStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("counters start at one", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Open(ctx, "FIX.4.4:A:B"))

		local, err := s.GetLocal(ctx, "FIX.4.4:A:B")
		require.NoError(t, err)
		remote, err := s.GetRemote(ctx, "FIX.4.4:A:B")
		require.NoError(t, err)
		assert.Equal(t, 1, local)
		assert.Equal(t, 1, remote)
	})

	t.Run("incr and set", func(t *testing.T) {
		s := newStore(t)
		id := "FIX.4.4:A:B"
		require.NoError(t, s.Open(ctx, id))

		n, err := s.IncrLocal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.IncrLocal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, s.SetRemote(ctx, id, 20))
		n, err = s.IncrRemote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 21, n)

		require.NoError(t, s.SetLocal(ctx, id, 1))
		local, err := s.GetLocal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, local)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Open(ctx, "FIX.4.4:A:B"))
		require.NoError(t, s.Open(ctx, "FIX.4.4:A:C"))

		_, err := s.IncrLocal(ctx, "FIX.4.4:A:B")
		require.NoError(t, err)
		require.NoError(t, s.StoreMessage(ctx, "FIX.4.4:A:B", store.Sent, msg("D", 1)))

		local, err := s.GetLocal(ctx, "FIX.4.4:A:C")
		require.NoError(t, err)
		assert.Equal(t, 1, local)
		assert.Empty(t, collect(t, s, "FIX.4.4:A:C", store.Sent, 1, 0))
	})

	t.Run("messages come back ordered and bounded", func(t *testing.T) {
		s := newStore(t)
		id := "FIX.4.4:A:B"
		require.NoError(t, s.Open(ctx, id))

		for _, seq := range []int{3, 1, 5, 2, 4} {
			require.NoError(t, s.StoreMessage(ctx, id, store.Sent, msg("D", seq)))
		}
		require.NoError(t, s.StoreMessage(ctx, id, store.Received, msg("0", 9)))

		assert.Equal(t, []int{1, 2, 3, 4, 5}, collect(t, s, id, store.Sent, 1, 0))
		assert.Equal(t, []int{2, 3, 4}, collect(t, s, id, store.Sent, 2, 4))
		assert.Equal(t, []int{9}, collect(t, s, id, store.Received, 1, 0))
		assert.Empty(t, collect(t, s, id, store.Sent, 6, 10))
	})

	t.Run("messages keep their fields", func(t *testing.T) {
		s := newStore(t)
		id := "FIX.4.4:A:B"
		require.NoError(t, s.Open(ctx, id))

		in := msg("D", 7).
			Set(fix.TagSendingTime, "20240102-03:04:05.678").
			Add(fix.Tag(448), "P1").
			Add(fix.Tag(448), "P2")
		require.NoError(t, s.StoreMessage(ctx, id, store.Sent, in))

		var got []*fix.Message
		for m, err := range s.GetMessages(ctx, id, store.Sent, 7, 7) {
			require.NoError(t, err)
			got = append(got, m)
		}
		require.Len(t, got, 1)
		assert.Equal(t, "D", got[0].MsgType())
		assert.Equal(t, []string{"P1", "P2"}, got[0].GetAll(fix.Tag(448)))
		ts, _ := got[0].Get(fix.TagSendingTime)
		assert.Equal(t, "20240102-03:04:05.678", ts)
	})

	t.Run("iteration is restartable", func(t *testing.T) {
		s := newStore(t)
		id := "FIX.4.4:A:B"
		require.NoError(t, s.Open(ctx, id))
		for seq := 1; seq <= 3; seq++ {
			require.NoError(t, s.StoreMessage(ctx, id, store.Sent, msg("D", seq)))
		}

		seq := s.GetMessages(ctx, id, store.Sent, 1, 0)
		for m, err := range seq {
			require.NoError(t, err)
			if m.SeqNum() == 2 {
				break
			}
		}
		var again []int
		for m, err := range seq {
			require.NoError(t, err)
			again = append(again, m.SeqNum())
		}
		assert.Equal(t, []int{1, 2, 3}, again)
	})

	t.Run("state survives close and reopen", func(t *testing.T) {
		s := newStore(t)
		id := "FIX.4.4:A:B"
		require.NoError(t, s.Open(ctx, id))
		_, err := s.IncrLocal(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.StoreMessage(ctx, id, store.Sent, msg("D", 1)))
		require.NoError(t, s.Close(ctx, id))

		require.NoError(t, s.Open(ctx, id))
		local, err := s.GetLocal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, local)
		assert.Equal(t, []int{1}, collect(t, s, id, store.Sent, 1, 0))
	})
}
