package stream

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

// recorder collects stream events under a lock so tests can poll them.
type recorder struct {
	mux     sync.Mutex
	added   []domain.Message
	removed []string
}

func (r *recorder) events() Events {
	return Events{
		Append: func(m domain.Message) {
			r.mux.Lock()
			r.added = append(r.added, m)
			r.mux.Unlock()
		},
		Remove: func(key string) {
			r.mux.Lock()
			r.removed = append(r.removed, key)
			r.mux.Unlock()
		},
	}
}

func (r *recorder) texts() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]string, len(r.added))
	for i, m := range r.added {
		out[i] = m.Text
	}
	return out
}

func (r *recorder) removedKeys() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.removed...)
}

func TestStreamDeliversExistingAndNewMessages(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	_, err := st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "hello", Timestamp: 100,
	})
	require.NoError(t, err)

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, rec.texts())

	_, err = st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "b", AuthorName: "B", Text: "hi back", Timestamp: 200,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello", "hi back"}, rec.texts())
}

func TestStreamReplayIsIdempotent(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	key, err := st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "only once", Timestamp: 100,
	})
	require.NoError(t, err)

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 1
	}, time.Second, 5*time.Millisecond)

	// Unrelated overlapping mutations resend full snapshots containing the
	// same message; it must not render twice.
	require.NoError(t, st.Write(ctx, store.LogPath(pair)+"/"+key+"/timestamp", 100))
	require.NoError(t, st.Patch(ctx, store.LogPath(pair)+"/"+key, map[string]any{"timestamp": 100}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"only once"}, rec.texts())
	assert.True(t, s.Known(key))
}

func TestStreamPropagatesDeletions(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	key1, err := st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "keep", Timestamp: 100,
	})
	require.NoError(t, err)
	key2, err := st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "delete me", Timestamp: 200,
	})
	require.NoError(t, err)

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, st.Remove(ctx, store.MessagePath(pair, key2)))

	require.Eventually(t, func() bool {
		return len(rec.removedKeys()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{key2}, rec.removedKeys())
	assert.True(t, s.Known(key1))
	assert.False(t, s.Known(key2))
}

func TestStreamAppendsArriveInTimestampOrder(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	// Write out of order before attaching; the initial snapshot must
	// deliver in (timestamp, key) order regardless.
	for _, m := range []domain.Message{
		{AuthorID: "a", AuthorName: "A", Text: "third", Timestamp: 300},
		{AuthorID: "a", AuthorName: "A", Text: "first", Timestamp: 100},
		{AuthorID: "a", AuthorName: "A", Text: "second", Timestamp: 200},
	} {
		_, err := st.Append(ctx, store.LogPath(pair), m)
		require.NoError(t, err)
	}

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, rec.texts())
}

func TestStreamSurvivesMalformedSiblingEntry(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	key1, err := st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "first", Timestamp: 100,
	})
	require.NoError(t, err)

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 1
	}, time.Second, 5*time.Millisecond)

	// Any peer client can write into the shared log; a schema-less store
	// will accept this. The stream must keep working around it.
	_, err = st.Append(ctx, store.LogPath(pair), map[string]any{
		"userId": "b", "userName": "B", "text": 5, "timestamp": 150,
	})
	require.NoError(t, err)

	_, err = st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "b", AuthorName: "B", Text: "second", Timestamp: 200,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 2
	}, time.Second, 5*time.Millisecond, "valid append must render past the bad entry")
	assert.Equal(t, []string{"first", "second"}, rec.texts())

	// Deletions keep propagating too.
	require.NoError(t, st.Remove(ctx, store.MessagePath(pair, key1)))
	require.Eventually(t, func() bool {
		return len(rec.removedKeys()) == 1
	}, time.Second, 5*time.Millisecond, "deletion must propagate past the bad entry")
	assert.Equal(t, []string{key1}, rec.removedKeys())
}

func TestBlockDoesNotSealTheSharedLog(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	_, err := st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "before the block", Timestamp: 100,
	})
	require.NoError(t, err)

	// a blocks b. The flag lives under a's record only; the log is shared
	// and b can still attach to it by the deterministic pair id.
	require.NoError(t, st.Write(ctx, store.BlockedPath("a", "b"), true))

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"before the block"}, rec.texts())
}

func TestStreamCloseStopsEvents(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	s.Close()

	_, err = st.Append(ctx, store.LogPath(pair), domain.Message{
		AuthorID: "a", AuthorName: "A", Text: "late", Timestamp: 100,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.texts())
}

func TestStreamClearedLogRemovesEverything(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	pair := domain.PairID("a", "b")

	for i := 0; i < 3; i++ {
		_, err := st.Append(ctx, store.LogPath(pair), domain.Message{
			AuthorID: "a", AuthorName: "A", Text: "m", Timestamp: int64(100 * (i + 1)),
		})
		require.NoError(t, err)
	}

	rec := &recorder{}
	s, err := Open(st, pair, rec.events())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(rec.texts()) == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, st.Remove(ctx, store.LogPath(pair)))

	require.Eventually(t, func() bool {
		return len(rec.removedKeys()) == 3
	}, time.Second, 5*time.Millisecond)
}
