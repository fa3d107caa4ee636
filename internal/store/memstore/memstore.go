// Package memstore is an in-process implementation of the store contract.
// It keeps the whole tree under one mutex and delivers snapshots through
// per-subscription goroutines, which is what makes callback reentrancy
// into the store safe.
package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wavemsg/wave/internal/store"
)

type Store struct {
	mux      sync.Mutex
	root     map[string]any
	subs     map[*store.Subscriber]struct{}
	cleanups []cleanup
	closed   bool
}

type cleanup struct {
	path   string
	fields map[string]any
}

func New() *Store {
	return &Store{
		root: make(map[string]any),
		subs: make(map[*store.Subscriber]struct{}),
	}
}

func (s *Store) Read(_ context.Context, path string) (json.RawMessage, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	node, ok := getNode(s.root, segs)
	if !ok {
		return nil, nil
	}
	return json.Marshal(node)
}

func (s *Store) Write(_ context.Context, path string, value any) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	node, err := normalize(value)
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	setNode(s.root, segs, node)
	s.notify(path)
	return nil
}

func (s *Store) Patch(_ context.Context, path string, fields map[string]any) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	patch, err := normalize(fields)
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	target, _ := getNode(s.root, segs)
	merged, ok := target.(map[string]any)
	if !ok {
		merged = make(map[string]any)
	}
	for k, v := range patch.(map[string]any) {
		merged[k] = v
	}
	setNode(s.root, segs, merged)
	s.notify(path)
	return nil
}

func (s *Store) Append(ctx context.Context, path string, value any) (string, error) {
	key := store.NewKey()
	if err := s.Write(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Remove(_ context.Context, path string) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	removeNode(s.root, segs)
	s.notify(path)
	return nil
}

func (s *Store) Subscribe(path string, fn func(store.Snapshot)) (store.Handle, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var sub *store.Subscriber
	sub = store.NewSubscriber(path, fn, func() {
		s.mux.Lock()
		delete(s.subs, sub)
		s.mux.Unlock()
	})
	s.subs[sub] = struct{}{}
	sub.Push(s.snapshotLocked(path, segs))
	return sub, nil
}

func (s *Store) OnDisconnect(path string, fields map[string]any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	for i := range s.cleanups {
		if s.cleanups[i].path == path {
			s.cleanups[i].fields = fields
			return nil
		}
	}
	s.cleanups = append(s.cleanups, cleanup{path: path, fields: fields})
	return nil
}

// Disconnect simulates the server noticing a dropped connection: every
// armed on-disconnect patch is applied, then the list is cleared.
func (s *Store) Disconnect() {
	s.mux.Lock()
	pending := s.cleanups
	s.cleanups = nil
	s.mux.Unlock()

	for _, c := range pending {
		_ = s.Patch(context.Background(), c.path, c.fields)
	}
}

// Close runs disconnect cleanup and detaches every subscriber.
func (s *Store) Close() {
	s.Disconnect()

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.closed = true
	subs := make([]*store.Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*store.Subscriber]struct{})
	s.mux.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
}

// notify recomputes the snapshot of every subscription overlapping the
// mutated path. Caller holds s.mux.
func (s *Store) notify(mutated string) {
	for sub := range s.subs {
		if !store.Overlaps(sub.Path(), mutated) {
			continue
		}
		segs, err := store.SplitPath(sub.Path())
		if err != nil {
			continue
		}
		sub.Push(s.snapshotLocked(sub.Path(), segs))
	}
}

func (s *Store) snapshotLocked(path string, segs []string) store.Snapshot {
	snap := store.Snapshot{Path: path}
	if node, ok := getNode(s.root, segs); ok {
		if data, err := json.Marshal(node); err == nil {
			snap.Data = data
		}
	}
	return snap
}

// normalize round-trips value through JSON so the tree only ever holds
// map[string]any, []any and JSON scalars, regardless of the caller's types.
func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func getNode(root map[string]any, segs []string) (any, bool) {
	var node any = root
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	if m, ok := node.(map[string]any); ok && len(m) == 0 {
		return nil, false
	}
	return node, true
}

func setNode(root map[string]any, segs []string, value any) {
	parent := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := parent[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			parent[seg] = child
		}
		parent = child
	}
	last := segs[len(segs)-1]
	if value == nil {
		delete(parent, last)
		return
	}
	parent[last] = value
}

// removeNode deletes the node at segs and prunes newly empty ancestors, so
// absence and emptiness stay indistinguishable, as they are upstream.
func removeNode(root map[string]any, segs []string) {
	parents := make([]map[string]any, 0, len(segs))
	node := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		parents = append(parents, node)
		node = child
	}
	delete(node, segs[len(segs)-1])

	for i := len(parents) - 1; i >= 0; i-- {
		if len(node) > 0 {
			break
		}
		delete(parents[i], segs[i])
		node = parents[i]
	}
}
