package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
	"github.com/wavemsg/wave/internal/store/memstore"
	"github.com/wavemsg/wave/internal/stream"
)

func newManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	t.Cleanup(st.Close)
	return NewManager(st, ekv.MakeMemstore(), "test-secret"), st
}

func seedUser(t *testing.T, st *memstore.Store, u *domain.User) {
	t.Helper()
	require.NoError(t, st.Write(context.Background(), store.UserPath(u.ID), u))
}

func TestSetCurrentThenResume(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	seedUser(t, st, user)
	require.NoError(t, m.SetCurrent(user))

	// A fresh manager over the same local storage resumes the identity.
	m2 := NewManager(st, m.kv, "test-secret")
	got, err := m2.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.Equal(t, "ada", got.Handle)
}

func TestResumeWithoutSavedRecord(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Resume(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestResumeRejectsTamperedRecord(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	seedUser(t, st, user)
	require.NoError(t, m.SetCurrent(user))

	// A record signed with a different secret must be rejected and cleared.
	intruder := NewManager(st, m.kv, "other-secret")
	_, err := intruder.Resume(ctx)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	_, err = m.Resume(ctx)
	assert.ErrorIs(t, err, ErrNoSession, "a rejected record does not linger")
}

func TestResumeRejectsDeletedAccount(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	seedUser(t, st, user)
	require.NoError(t, m.SetCurrent(user))

	require.NoError(t, st.Remove(ctx, store.UserPath("u1")))

	m2 := NewManager(st, m.kv, "test-secret")
	_, err := m2.Resume(ctx)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestOpenConversationRejectsBlockedPeer(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	peer := &domain.User{ID: "p1", Handle: "bob", Name: "Bob"}
	seedUser(t, st, user)
	seedUser(t, st, peer)
	require.NoError(t, m.SetCurrent(user))

	blocked := func(id string) bool { return id == "p1" }
	_, err := m.OpenConversation(ctx, peer, blocked, stream.Events{}, nil)
	require.Error(t, err)
	assert.Nil(t, m.ActiveConversation())
}

func TestOpenConversationClearsUnreadAndSwitches(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	p1 := &domain.User{ID: "p1", Handle: "bob", Name: "Bob"}
	p2 := &domain.User{ID: "p2", Handle: "carol", Name: "Carol"}
	seedUser(t, st, user)
	seedUser(t, st, p1)
	seedUser(t, st, p2)
	require.NoError(t, m.SetCurrent(user))
	require.NoError(t, st.Write(ctx, store.SummaryPath("u1", "p1"), domain.ChatSummary{
		LastMessage: "hi", Unread: 4,
	}))

	conv, err := m.OpenConversation(ctx, p1, nil, stream.Events{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", conv.PeerID)

	sums, err := domain.DecodeSummaries(mustRead(t, st, store.ChatsPath("u1")))
	require.NoError(t, err)
	assert.Equal(t, 0, sums["p1"].Unread, "opening clears the viewer's counter")

	// Switching replaces the active conversation.
	conv2, err := m.OpenConversation(ctx, p2, nil, stream.Events{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", conv2.PeerID)
	assert.Same(t, conv2, m.ActiveConversation())
}

func TestConcurrentOpensReleaseTheLoser(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	p1 := &domain.User{ID: "p1", Handle: "bob", Name: "Bob"}
	p2 := &domain.User{ID: "p2", Handle: "carol", Name: "Carol"}
	seedUser(t, st, user)
	seedUser(t, st, p1)
	seedUser(t, st, p2)
	require.NoError(t, m.SetCurrent(user))

	// Two opens race; whichever loses must have its subscriptions
	// released rather than left dangling behind the winner's overwrite.
	var got1, got2 atomic.Int32
	var wg sync.WaitGroup
	for _, c := range []struct {
		peer  *domain.User
		count *atomic.Int32
	}{{p1, &got1}, {p2, &got2}} {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := stream.Events{Append: func(domain.Message) { c.count.Add(1) }}
			_, err := m.OpenConversation(ctx, c.peer, nil, events, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active := m.ActiveConversation()
	require.NotNil(t, active)
	winner, loser := &got1, &got2
	loserPeer := "p2"
	if active.PeerID == "p2" {
		winner, loser = &got2, &got1
		loserPeer = "p1"
	}
	winner.Store(0)
	loser.Store(0)

	_, err := st.Append(ctx, store.LogPath(domain.PairID("u1", loserPeer)),
		domain.Message{AuthorID: loserPeer, Text: "stale", Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	_, err = st.Append(ctx, store.LogPath(domain.PairID("u1", active.PeerID)),
		domain.Message{AuthorID: active.PeerID, Text: "live", Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return winner.Load() > 0 },
		time.Second, 10*time.Millisecond, "the winning conversation stays subscribed")
	assert.Zero(t, loser.Load(), "the losing conversation's subscription is gone")
}

func TestLogoutClearsSessionKeepsPreferences(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	user := &domain.User{ID: "u1", Handle: "ada", Name: "Ada"}
	peer := &domain.User{ID: "p1", Handle: "bob", Name: "Bob"}
	seedUser(t, st, user)
	seedUser(t, st, peer)
	require.NoError(t, m.SetCurrent(user))
	m.SetTheme("dark")
	m.SetNav("chats")

	_, err := m.OpenConversation(ctx, peer, nil, stream.Events{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartHeartbeat(50*time.Millisecond))

	m.Logout(ctx)

	assert.Nil(t, m.Current())
	assert.Nil(t, m.ActiveConversation())
	_, err = m.Resume(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	assert.Equal(t, "dark", m.Theme(), "theme survives logout")
	assert.Equal(t, "chats", m.Nav(), "nav state survives logout")

	// The heartbeat's final write marks the account offline.
	u, err := domain.DecodeUser("u1", mustRead(t, st, store.UserPath("u1")))
	require.NoError(t, err)
	assert.False(t, u.Online)
}

func TestThemeDefaultsToLight(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, "light", m.Theme())
	m.SetTheme("dark")
	assert.Equal(t, "dark", m.Theme())
}

func TestStartHeartbeatRequiresLogin(t *testing.T) {
	m, _ := newManager(t)
	assert.ErrorIs(t, m.StartHeartbeat(time.Second), ErrNotLoggedIn)
}

func mustRead(t *testing.T, st *memstore.Store, path string) []byte {
	t.Helper()
	raw, err := st.Read(context.Background(), path)
	require.NoError(t, err)
	return raw
}
