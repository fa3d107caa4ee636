package chatindex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
	"github.com/wavemsg/wave/internal/store/memstore"
)

func seedUser(t *testing.T, st *memstore.Store, id, handle, name string) {
	t.Helper()
	err := st.Write(context.Background(), store.UserPath(id), map[string]any{
		"username": handle,
		"name":     name,
	})
	require.NoError(t, err)
}

func seedSummary(t *testing.T, st *memstore.Store, viewer, peer string, sum domain.ChatSummary) {
	t.Helper()
	require.NoError(t, st.Write(context.Background(), store.SummaryPath(viewer, peer), sum))
}

// rowSink records every onUpdate render.
type rowSink struct {
	mux  sync.Mutex
	rows [][]Row
}

func (s *rowSink) update(rows []Row) {
	s.mux.Lock()
	s.rows = append(s.rows, rows)
	s.mux.Unlock()
}

func (s *rowSink) latest() []Row {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.rows) == 0 {
		return nil
	}
	return s.rows[len(s.rows)-1]
}

func (s *rowSink) renders() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.rows)
}

func peerIDs(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.PeerID
	}
	return out
}

func TestIndexOrdersByRecency(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	seedUser(t, st, "p1", "alice", "Alice")
	seedUser(t, st, "p2", "bob", "Bob")
	seedUser(t, st, "p3", "carol", "Carol")
	seedSummary(t, st, "me", "p1", domain.ChatSummary{LastMessage: "old", LastMessageTime: 100})
	seedSummary(t, st, "me", "p2", domain.ChatSummary{LastMessage: "new", LastMessageTime: 300})
	seedSummary(t, st, "me", "p3", domain.ChatSummary{LastMessage: "mid", LastMessageTime: 200})

	sink := &rowSink{}
	ix := New(st, "me", nil)
	require.NoError(t, ix.Open(sink.update))
	defer ix.Close()

	require.Eventually(t, func() bool {
		return len(sink.latest()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p2", "p3", "p1"}, peerIDs(sink.latest()))
}

func TestIndexReactsToSummaryWrites(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	seedUser(t, st, "p1", "alice", "Alice")
	seedUser(t, st, "p2", "bob", "Bob")
	seedSummary(t, st, "me", "p1", domain.ChatSummary{LastMessage: "hi", LastMessageTime: 100})

	sink := &rowSink{}
	ix := New(st, "me", nil)
	require.NoError(t, ix.Open(sink.update))
	defer ix.Close()

	require.Eventually(t, func() bool {
		return len(sink.latest()) == 1
	}, time.Second, 5*time.Millisecond)

	// A newer conversation appears on top without reopening the index.
	seedSummary(t, st, "me", "p2", domain.ChatSummary{LastMessage: "newer", LastMessageTime: 900})

	require.Eventually(t, func() bool {
		rows := sink.latest()
		return len(rows) == 2 && rows[0].PeerID == "p2"
	}, time.Second, 5*time.Millisecond)
}

func TestIndexSkipsBlockedPeers(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	seedUser(t, st, "p1", "alice", "Alice")
	seedUser(t, st, "p2", "troll", "Troll")
	seedSummary(t, st, "me", "p1", domain.ChatSummary{LastMessageTime: 100})
	seedSummary(t, st, "me", "p2", domain.ChatSummary{LastMessageTime: 200})

	blocked := func(id string) bool { return id == "p2" }
	sink := &rowSink{}
	ix := New(st, "me", blocked)
	require.NoError(t, ix.Open(sink.update))
	defer ix.Close()

	require.Eventually(t, func() bool {
		return sink.renders() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p1"}, peerIDs(sink.latest()))
}

func TestIndexDropsDeletedPeers(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	// p2 has a summary but no profile record, as after account deletion.
	seedUser(t, st, "p1", "alice", "Alice")
	seedSummary(t, st, "me", "p1", domain.ChatSummary{LastMessageTime: 100})
	seedSummary(t, st, "me", "p2", domain.ChatSummary{LastMessageTime: 200})

	sink := &rowSink{}
	ix := New(st, "me", nil)
	require.NoError(t, ix.Open(sink.update))
	defer ix.Close()

	require.Eventually(t, func() bool {
		return sink.renders() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p1"}, peerIDs(sink.latest()))
}

func TestRefreshReappliesBlockFilter(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	seedUser(t, st, "p1", "alice", "Alice")
	seedSummary(t, st, "me", "p1", domain.ChatSummary{LastMessageTime: 100})

	var mux sync.Mutex
	blockedSet := map[string]bool{}
	blocked := func(id string) bool {
		mux.Lock()
		defer mux.Unlock()
		return blockedSet[id]
	}

	sink := &rowSink{}
	ix := New(st, "me", blocked)
	require.NoError(t, ix.Open(sink.update))
	defer ix.Close()

	require.Eventually(t, func() bool {
		return len(sink.latest()) == 1
	}, time.Second, 5*time.Millisecond)

	mux.Lock()
	blockedSet["p1"] = true
	mux.Unlock()
	ix.Refresh()

	require.Eventually(t, func() bool {
		return sink.renders() >= 2 && len(sink.latest()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteChatRemovesOwnRowOnly(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	seedUser(t, st, "p1", "alice", "Alice")
	seedSummary(t, st, "me", "p1", domain.ChatSummary{LastMessageTime: 100})
	seedSummary(t, st, "p1", "me", domain.ChatSummary{LastMessageTime: 100})
	require.NoError(t, st.Write(ctx, store.LogPath(domain.PairID("me", "p1"))+"/k1",
		map[string]any{"userId": "p1", "userName": "Alice", "text": "hi", "timestamp": 100}))

	ix := New(st, "me", nil)
	require.NoError(t, ix.DeleteChat(ctx, "p1"))

	raw, err := st.Read(ctx, store.SummaryPath("me", "p1"))
	require.NoError(t, err)
	assert.Nil(t, raw)

	// The peer's row and the shared log survive.
	raw, err = st.Read(ctx, store.SummaryPath("p1", "me"))
	require.NoError(t, err)
	assert.NotNil(t, raw)
	raw, err = st.Read(ctx, store.LogPath(domain.PairID("me", "p1")))
	require.NoError(t, err)
	assert.NotNil(t, raw)
}
