// Package chatindex derives the viewer's conversation list. It is a read
// path only: every change notification triggers a full recompute. Decode
// the summary map, resolve each peer's profile, filter, sort, emit. List
// sizes are small and this is not the throughput-critical path, so the
// recompute is deliberate, not an optimization target.
package chatindex

import (
	"context"
	"sort"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
)

const rebuildTimeout = 10 * time.Second

// Row is one rendered conversation entry.
type Row struct {
	PeerID  string
	Peer    *domain.User
	Summary domain.ChatSummary
}

type Index struct {
	store    store.Store
	viewerID string
	blocked  func(string) bool
	onUpdate func([]Row)

	mux     sync.Mutex
	lastRaw store.Snapshot
	handle  store.Handle
}

// New builds an index for viewerID. blocked gates rows out of the render;
// it is consulted on every rebuild, so a block takes effect on the next
// notification or Refresh.
func New(st store.Store, viewerID string, blocked func(string) bool) *Index {
	return &Index{
		store:    st,
		viewerID: viewerID,
		blocked:  blocked,
	}
}

// Open subscribes to the viewer's conversation map and starts emitting
// ordered row lists through onUpdate.
func (ix *Index) Open(onUpdate func([]Row)) error {
	ix.onUpdate = onUpdate
	handle, err := ix.store.Subscribe(store.ChatsPath(ix.viewerID), func(snap store.Snapshot) {
		ix.mux.Lock()
		ix.lastRaw = snap
		ix.mux.Unlock()
		ix.rebuild(snap)
	})
	if err != nil {
		return err
	}
	ix.handle = handle
	return nil
}

// Refresh recomputes the list from the last seen snapshot. Wired to
// block-set changes, which alter the render without touching userChats.
func (ix *Index) Refresh() {
	ix.mux.Lock()
	snap := ix.lastRaw
	ix.mux.Unlock()
	ix.rebuild(snap)
}

// Close detaches the subscription.
func (ix *Index) Close() {
	if ix.handle != nil {
		ix.handle.Release()
		ix.handle = nil
	}
}

// DeleteChat drops the viewer's own summary row. The shared log and the
// peer's summary are untouched.
func (ix *Index) DeleteChat(ctx context.Context, peer string) error {
	return ix.store.Remove(ctx, store.SummaryPath(ix.viewerID, peer))
}

func (ix *Index) rebuild(snap store.Snapshot) {
	if ix.onUpdate == nil {
		return
	}

	summaries, err := domain.DecodeSummaries(snap.Data)
	if err != nil {
		jww.WARN.Printf("chatindex: malformed summary snapshot: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
	defer cancel()

	var (
		mux  sync.Mutex
		rows []Row
	)
	g, ctx := errgroup.WithContext(ctx)
	for peerID, summary := range summaries {
		if ix.blocked != nil && ix.blocked(peerID) {
			continue
		}
		peerID, summary := peerID, summary
		g.Go(func() error {
			raw, err := ix.store.Read(ctx, store.UserPath(peerID))
			if err != nil {
				return err
			}
			peer, err := domain.DecodeUser(peerID, raw)
			if err != nil {
				// Peer deleted or unreadable: the row disappears.
				return nil
			}
			mux.Lock()
			rows = append(rows, Row{PeerID: peerID, Peer: peer, Summary: summary})
			mux.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		jww.ERROR.Printf("chatindex: rebuild for %s failed: %v", ix.viewerID, err)
		return
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Summary.LastMessageTime != b.Summary.LastMessageTime {
			return a.Summary.LastMessageTime > b.Summary.LastMessageTime
		}
		return a.PeerID < b.PeerID
	})
	ix.onUpdate(rows)
}
