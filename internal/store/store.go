// Package store defines the realtime document store the client is built
// against: a key-path tree with atomic per-path writes, merge patches,
// ordered-key appends, and snapshot subscriptions. There is no cross-path
// atomicity; multi-path updates are independent writes and the last writer
// to any single path wins.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed      = errors.New("store is closed")
	ErrInvalidPath = errors.New("invalid store path")
)

// Snapshot is the full value at a subscribed path at some point in time.
// Data is nil when the path is absent.
type Snapshot struct {
	Path string
	Data json.RawMessage
}

func (s Snapshot) Exists() bool {
	return len(s.Data) > 0 && string(s.Data) != "null"
}

// Handle detaches a subscription. Release is idempotent. Subscriptions are
// never detached implicitly; every switch-conversation and logout path must
// release the handles it owns or leak callbacks into a dead view.
type Handle interface {
	Release()
}

// Store is the hosted realtime database surface. Each mutation of a path
// is atomic and subscribers observe a monotonically advancing view of the
// paths they watch. Notifications coalesce: a subscriber is guaranteed to
// see the latest state, not every intermediate one, so consumers must
// reconcile against full snapshots.
type Store interface {
	// Read returns the value at path, nil if absent.
	Read(ctx context.Context, path string) (json.RawMessage, error)

	// Write replaces the value at path entirely.
	Write(ctx context.Context, path string, value any) error

	// Patch merges fields into the object at path, creating it if absent.
	Patch(ctx context.Context, path string, fields map[string]any) error

	// Append inserts value under a generated child key of path and returns
	// the key. Keys sort lexically in insertion order.
	Append(ctx context.Context, path string, value any) (string, error)

	// Remove deletes the value at path and everything beneath it.
	Remove(ctx context.Context, path string) error

	// Subscribe registers fn for the value at path. fn fires once with the
	// current snapshot and again after any overlapping mutation.
	Subscribe(path string, fn func(Snapshot)) (Handle, error)

	// OnDisconnect arms a server-side merge of fields into path that fires
	// when the client's connection drops without a clean shutdown.
	OnDisconnect(path string, fields map[string]any) error
}
