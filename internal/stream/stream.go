// Package stream maintains the live view of one conversation's message
// log. Reconciliation is a set difference against the ids already
// rendered: replaying the same snapshot is a no-op, and an id missing
// upstream is a deletion to propagate. A Stream is single-use; switching
// conversations means closing it and opening a new one, so known ids can
// never leak across conversations.
package stream

import (
	"sort"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
)

// Events receives incremental changes. Append fires in ascending
// (timestamp, key) order; Remove fires for upstream deletions. Either may
// be nil.
type Events struct {
	Append func(domain.Message)
	Remove func(key string)
}

type Stream struct {
	pairID string
	events Events

	mux    sync.Mutex
	known  map[string]struct{}
	closed bool
	handle store.Handle
}

// Open attaches to the conversation log and begins delivering changes.
func Open(st store.Store, pairID string, events Events) (*Stream, error) {
	s := &Stream{
		pairID: pairID,
		events: events,
		known:  make(map[string]struct{}),
	}
	handle, err := st.Subscribe(store.LogPath(pairID), s.reconcile)
	if err != nil {
		return nil, err
	}
	s.handle = handle
	return s, nil
}

// PairID returns the conversation id this stream is attached to.
func (s *Stream) PairID() string { return s.pairID }

// Known reports whether key has been rendered and not since removed.
func (s *Stream) Known(key string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, ok := s.known[key]
	return ok
}

// Close releases the subscription. The known-id set dies with the stream.
func (s *Stream) Close() {
	s.mux.Lock()
	s.closed = true
	handle := s.handle
	s.handle = nil
	s.mux.Unlock()

	if handle != nil {
		handle.Release()
	}
}

func (s *Stream) reconcile(snap store.Snapshot) {
	msgs, err := domain.DecodeMessages(snap.Data)
	if err != nil {
		jww.WARN.Printf("stream %s: malformed log snapshot: %v", s.pairID, err)
		return
	}

	upstream := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		upstream[m.Key] = struct{}{}
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}

	var added []domain.Message
	for _, m := range msgs {
		if _, ok := s.known[m.Key]; ok {
			continue
		}
		s.known[m.Key] = struct{}{}
		added = append(added, m)
	}

	var removed []string
	for key := range s.known {
		if _, ok := upstream[key]; !ok {
			delete(s.known, key)
			removed = append(removed, key)
		}
	}
	s.mux.Unlock()

	sort.Strings(removed)
	for _, m := range added {
		if s.events.Append != nil {
			s.events.Append(m)
		}
	}
	for _, key := range removed {
		if s.events.Remove != nil {
			s.events.Remove(key)
		}
	}
}
