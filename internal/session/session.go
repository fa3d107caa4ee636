// Package session owns the client's mutable state: the cached identity,
// the active conversation, and every live subscription handle. Nothing
// here is ambient: components receive the manager explicitly, and all
// switch-conversation and logout paths go through it so prior handles are
// always released before new ones attach.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"

	"github.com/wavemsg/wave/internal/composer"
	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/presence"
	"github.com/wavemsg/wave/internal/store"
	"github.com/wavemsg/wave/internal/stream"
)

// Local storage keys, carried over from the original client.
const (
	keyUser  = "waveUser"
	keyTheme = "waveTheme"
	keyNav   = "waveNav"
)

var (
	ErrNoSession      = errors.New("no saved session")
	ErrSessionInvalid = errors.New("saved session rejected")
	ErrNotLoggedIn    = errors.New("not logged in")
)

// Conversation is the open chat: a live stream, a composer bound to the
// peer, and the peer profile watch feeding the header.
type Conversation struct {
	PeerID   string
	Stream   *stream.Stream
	Composer *composer.Composer
	watch    store.Handle
}

func (c *Conversation) close() {
	if c.Stream != nil {
		c.Stream.Close()
	}
	if c.watch != nil {
		c.watch.Release()
	}
}

type Manager struct {
	store  store.Store
	kv     ekv.KeyValue
	secret []byte

	mux       sync.Mutex
	current   *domain.User
	conv      *Conversation
	handles   []store.Handle
	heartbeat *presence.Heartbeat
}

func NewManager(st store.Store, kv ekv.KeyValue, secret string) *Manager {
	return &Manager{
		store:  st,
		kv:     kv,
		secret: []byte(secret),
	}
}

// Current returns the logged-in user, nil when logged out.
func (m *Manager) Current() *domain.User {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.current
}

// SetCurrent installs user as the session identity and persists the
// signed local record.
func (m *Manager) SetCurrent(user *domain.User) error {
	m.mux.Lock()
	m.current = user
	m.mux.Unlock()
	return m.save(user)
}

// Resume restores the cached identity. The signature check rejects a
// tampered cache; the store read discards the cache when the account no
// longer exists.
func (m *Manager) Resume(ctx context.Context) (*domain.User, error) {
	data, err := m.kv.GetBytes(keyUser)
	if err != nil || len(data) == 0 {
		return nil, ErrNoSession
	}

	token, err := jwt.Parse(string(data), func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		m.clearLocal()
		return nil, fmt.Errorf("%w: bad signature", ErrSessionInvalid)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		m.clearLocal()
		return nil, fmt.Errorf("%w: bad claims", ErrSessionInvalid)
	}
	id, _ := claims.GetSubject()
	if id == "" {
		m.clearLocal()
		return nil, fmt.Errorf("%w: no subject", ErrSessionInvalid)
	}

	raw, err := m.store.Read(ctx, store.UserPath(id))
	if err != nil {
		return nil, err
	}
	user, err := domain.DecodeUser(id, raw)
	if err != nil {
		m.clearLocal()
		return nil, fmt.Errorf("%w: account gone", ErrSessionInvalid)
	}

	m.mux.Lock()
	m.current = user
	m.mux.Unlock()
	jww.INFO.Printf("session: resumed %s (@%s)", user.ID, user.Handle)
	return user, nil
}

// Track registers a handle to be released on logout.
func (m *Manager) Track(h store.Handle) {
	m.mux.Lock()
	m.handles = append(m.handles, h)
	m.mux.Unlock()
}

// StartHeartbeat begins the presence heartbeat for the current user.
func (m *Manager) StartHeartbeat(interval time.Duration) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.current == nil {
		return ErrNotLoggedIn
	}
	if m.heartbeat == nil {
		m.heartbeat = presence.StartHeartbeat(m.store, m.current.ID, interval)
	}
	return nil
}

// OpenConversation switches the active chat to peer. The previous
// conversation's subscriptions are released before anything new attaches,
// and a blocked peer is rejected before any subscription exists. Opening
// also clears the viewer's unread counter.
func (m *Manager) OpenConversation(ctx context.Context, peer *domain.User,
	blocked func(string) bool, events stream.Events, onPeer func(*domain.User)) (*Conversation, error) {

	m.mux.Lock()
	user := m.current
	m.mux.Unlock()
	if user == nil {
		return nil, ErrNotLoggedIn
	}
	if blocked != nil && blocked(peer.ID) {
		return nil, presence.ErrBlocked
	}

	m.CloseConversation()

	conv := &Conversation{
		PeerID:   peer.ID,
		Composer: composer.New(m.store, user, peer.ID),
	}

	if err := conv.Composer.MarkRead(ctx); err != nil {
		jww.WARN.Printf("session: mark-read for %s failed: %v", peer.ID, err)
	}

	if onPeer != nil {
		watch, err := presence.WatchUser(m.store, peer.ID, onPeer)
		if err != nil {
			return nil, err
		}
		conv.watch = watch
	}

	st, err := stream.Open(m.store, conv.Composer.PairID(), events)
	if err != nil {
		conv.close()
		return nil, err
	}
	conv.Stream = st

	// Swap under the lock: a concurrent open may have installed its own
	// conversation after our CloseConversation above, and a plain overwrite
	// would leak that one's subscriptions.
	m.mux.Lock()
	prev := m.conv
	m.conv = conv
	m.mux.Unlock()
	if prev != nil {
		prev.close()
	}
	return conv, nil
}

// ActiveConversation returns the open chat, nil when none is open.
func (m *Manager) ActiveConversation() *Conversation {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.conv
}

// CloseConversation releases the active chat's subscriptions.
func (m *Manager) CloseConversation() {
	m.mux.Lock()
	conv := m.conv
	m.conv = nil
	m.mux.Unlock()
	if conv != nil {
		conv.close()
	}
}

// Logout tears the session down: conversation closed, heartbeat stopped
// with its offline write, every tracked handle released, local record
// cleared. Theme and navigation preferences survive.
func (m *Manager) Logout(ctx context.Context) {
	m.CloseConversation()

	m.mux.Lock()
	hb := m.heartbeat
	m.heartbeat = nil
	handles := m.handles
	m.handles = nil
	user := m.current
	m.current = nil
	m.mux.Unlock()

	if hb != nil {
		hb.Stop(ctx)
	}
	for _, h := range handles {
		h.Release()
	}
	m.clearLocal()
	if user != nil {
		jww.INFO.Printf("session: logged out %s", user.ID)
	}
}

// Theme returns the persisted theme preference, defaulting to "light".
func (m *Manager) Theme() string {
	data, err := m.kv.GetBytes(keyTheme)
	if err != nil || len(data) == 0 {
		return "light"
	}
	return string(data)
}

func (m *Manager) SetTheme(theme string) {
	if err := m.kv.SetBytes(keyTheme, []byte(theme)); err != nil {
		jww.WARN.Printf("session: persisting theme failed: %v", err)
	}
}

// Nav returns the persisted navigation preference, empty when unset.
func (m *Manager) Nav() string {
	data, err := m.kv.GetBytes(keyNav)
	if err != nil {
		return ""
	}
	return string(data)
}

func (m *Manager) SetNav(nav string) {
	if err := m.kv.SetBytes(keyNav, []byte(nav)); err != nil {
		jww.WARN.Printf("session: persisting nav state failed: %v", err)
	}
}

// save serializes user into a signed token in local storage.
func (m *Manager) save(user *domain.User) error {
	snapshot, err := json.Marshal(user)
	if err != nil {
		return err
	}

	claims := jwt.MapClaims{
		"sub":  user.ID,
		"iat":  time.Now().Unix(),
		"user": json.RawMessage(snapshot),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("signing session record: %w", err)
	}
	return m.kv.SetBytes(keyUser, []byte(token))
}

func (m *Manager) clearLocal() {
	if err := m.kv.Delete(keyUser); err != nil {
		jww.DEBUG.Printf("session: clearing local record: %v", err)
	}
}
