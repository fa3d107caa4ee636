// Package presence tracks the viewer's block-set and keeps the viewer's
// online flag fresh. Blocking is self-service: the flag lives under the
// viewer's own record, hides the peer from the viewer's chat list and
// gates new conversations, but does not touch the shared message log and
// is invisible to the peer.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
)

var ErrBlocked = errors.New("peer is blocked")

// Registry is the live view of users/{viewer}/blockedUsers.
type Registry struct {
	store    store.Store
	viewerID string

	mux      sync.RWMutex
	blocked  map[string]bool
	handle   store.Handle
	onChange func()
}

func NewRegistry(st store.Store, viewerID string) *Registry {
	return &Registry{
		store:    st,
		viewerID: viewerID,
		blocked:  make(map[string]bool),
	}
}

// Start subscribes to the viewer's block-set. onChange fires after every
// update so dependent views can re-render; it may be nil.
func (r *Registry) Start(onChange func()) error {
	r.onChange = onChange
	handle, err := r.store.Subscribe(store.BlockedSetPath(r.viewerID), r.apply)
	if err != nil {
		return err
	}
	r.handle = handle
	return nil
}

func (r *Registry) apply(snap store.Snapshot) {
	next := make(map[string]bool)
	if snap.Exists() {
		if err := json.Unmarshal(snap.Data, &next); err != nil {
			jww.WARN.Printf("presence: malformed block-set snapshot: %v", err)
			return
		}
	}

	r.mux.Lock()
	r.blocked = next
	r.mux.Unlock()

	if r.onChange != nil {
		r.onChange()
	}
}

func (r *Registry) Blocked(peer string) bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.blocked[peer]
}

// Snapshot returns a copy of the current block-set.
func (r *Registry) Snapshot() map[string]bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	out := make(map[string]bool, len(r.blocked))
	for k, v := range r.blocked {
		out[k] = v
	}
	return out
}

// Block hides peer from the viewer's chat list. History is kept and the
// peer is not notified.
func (r *Registry) Block(ctx context.Context, peer string) error {
	return r.store.Write(ctx, store.BlockedPath(r.viewerID, peer), true)
}

func (r *Registry) Unblock(ctx context.Context, peer string) error {
	return r.store.Remove(ctx, store.BlockedPath(r.viewerID, peer))
}

// Close detaches the block-set subscription.
func (r *Registry) Close() {
	if r.handle != nil {
		r.handle.Release()
		r.handle = nil
	}
}

// Heartbeat periodically refreshes the viewer's online flag and last-seen
// timestamp, re-arming the store's disconnect hook on each beat so the
// fallback offline write always carries a recent timestamp.
type Heartbeat struct {
	store    store.Store
	userID   string
	interval time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func StartHeartbeat(st store.Store, userID string, interval time.Duration) *Heartbeat {
	h := &Heartbeat{
		store:    st,
		userID:   userID,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	now := time.Now().UnixMilli()
	err := h.store.Patch(ctx, store.UserPath(h.userID), map[string]any{
		"online":   true,
		"lastSeen": now,
	})
	if err != nil {
		jww.WARN.Printf("presence: heartbeat for %s failed: %v", h.userID, err)
		return
	}

	err = h.store.OnDisconnect(store.UserPath(h.userID), map[string]any{
		"online":   false,
		"lastSeen": now,
	})
	if err != nil {
		jww.WARN.Printf("presence: re-arming disconnect hook failed: %v", err)
	}
}

// Stop halts the ticker and writes the best-effort offline patch. If the
// write never lands, the armed disconnect hook covers it.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.once.Do(func() { close(h.stop) })
	<-h.done

	err := h.store.Patch(ctx, store.UserPath(h.userID), map[string]any{
		"online":   false,
		"lastSeen": time.Now().UnixMilli(),
	})
	if err != nil {
		jww.WARN.Printf("presence: offline write for %s failed: %v", h.userID, err)
	}
}

// WatchUser delivers live profile updates for one peer, nil when the
// record disappears. Used for the conversation header status line.
func WatchUser(st store.Store, id string, fn func(*domain.User)) (store.Handle, error) {
	return st.Subscribe(store.UserPath(id), func(snap store.Snapshot) {
		if !snap.Exists() {
			fn(nil)
			return
		}
		u, err := domain.DecodeUser(id, snap.Data)
		if err != nil {
			jww.WARN.Printf("presence: malformed profile snapshot for %s: %v", id, err)
			return
		}
		fn(u)
	})
}
