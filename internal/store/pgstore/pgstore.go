// Package pgstore backs the store contract with Postgres. Documents live
// in a single nodes(path, value) table; a mutation replaces the rows under
// its path, strips the subtree out of any covering ancestor row, and raises
// a NOTIFY carrying the mutated path. Subscribers re-read their path on
// every overlapping notification, so the table rows are the only source of
// truth and each path behaves as one atomically replaced document.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/wavemsg/wave/internal/store"
)

const notifyChannel = "wave_nodes"

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	path  text PRIMARY KEY,
	value jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS nodes_path_prefix ON nodes (path text_pattern_ops);
`

type Store struct {
	pool   *pgxpool.Pool
	cancel context.CancelFunc

	mux      sync.Mutex
	subs     map[*store.Subscriber]struct{}
	cleanups []cleanup
	closed   bool
}

type cleanup struct {
	path   string
	fields map[string]any
}

// Connect opens a pool against dsn, creates the schema if needed and
// starts the notification listener.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		cancel: cancel,
		subs:   make(map[*store.Subscriber]struct{}),
	}
	go s.listen(listenCtx)
	return s, nil
}

func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if _, err := store.SplitPath(path); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	return readValue(ctx, s.pool, path)
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.mutate(ctx, path, func(ctx context.Context, tx pgx.Tx) error {
		return replace(ctx, tx, path, data)
	})
}

func (s *Store) Patch(ctx context.Context, path string, fields map[string]any) error {
	return s.mutate(ctx, path, func(ctx context.Context, tx pgx.Tx) error {
		current, err := readValue(ctx, tx, path)
		if err != nil {
			return err
		}

		merged := make(map[string]any)
		if len(current) > 0 {
			if err := json.Unmarshal(current, &merged); err != nil {
				merged = make(map[string]any)
			}
		}
		for k, v := range fields {
			merged[k] = v
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return replace(ctx, tx, path, data)
	})
}

func (s *Store) Append(ctx context.Context, path string, value any) (string, error) {
	key := store.NewKey()
	if err := s.Write(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.mutate(ctx, path, func(ctx context.Context, tx pgx.Tx) error {
		return replace(ctx, tx, path, nil)
	})
}

func (s *Store) Subscribe(path string, fn func(store.Snapshot)) (store.Handle, error) {
	if _, err := store.SplitPath(path); err != nil {
		return nil, err
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil, store.ErrClosed
	}
	var sub *store.Subscriber
	sub = store.NewSubscriber(path, fn, func() {
		s.mux.Lock()
		delete(s.subs, sub)
		s.mux.Unlock()
	})
	s.subs[sub] = struct{}{}
	s.mux.Unlock()

	s.push(sub)
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

// Close applies armed disconnect patches, stops the listener and closes
// the pool.
func (s *Store) Close() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	pending := s.cleanups
	s.cleanups = nil
	subs := make([]*store.Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*store.Subscriber]struct{})
	s.mux.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range pending {
		if err := s.Patch(ctx, c.path, c.fields); err != nil {
			jww.WARN.Printf("pgstore: disconnect cleanup of %s failed: %v", c.path, err)
		}
	}

	s.mux.Lock()
	s.closed = true
	s.mux.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	s.cancel()
	s.pool.Close()
}

func (s *Store) isClosed() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.closed
}

// mutate runs fn in a transaction that locks every row touching path,
// then notifies listeners of the mutated path.
func (s *Store) mutate(ctx context.Context, path string, fn func(context.Context, pgx.Tx) error) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}
	if s.isClosed() {
		return store.ErrClosed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row locks cannot serialize two mutations of a path that has no
	// rows yet, so same-path mutations also take an advisory lock held
	// until commit.
	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", path); err != nil {
		return err
	}
	if err := lockRows(ctx, tx, path); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, path); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// listen drains the NOTIFY channel and re-reads the path of every
// overlapping subscription. The connection is re-acquired after errors.
func (s *Store) listen(ctx context.Context) {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			jww.WARN.Printf("pgstore: listener error, reconnecting: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(n.Payload)
	}
}

func (s *Store) dispatch(mutated string) {
	s.mux.Lock()
	targets := make([]*store.Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		if store.Overlaps(sub.Path(), mutated) {
			targets = append(targets, sub)
		}
	}
	s.mux.Unlock()

	for _, sub := range targets {
		s.push(sub)
	}
}

func (s *Store) push(sub *store.Subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := store.Snapshot{Path: sub.Path()}
	data, err := readValue(ctx, s.pool, sub.Path())
	if err != nil {
		jww.ERROR.Printf("pgstore: snapshot of %s failed: %v", sub.Path(), err)
		return
	}
	snap.Data = data
	sub.Push(snap)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// readValue assembles the document at path from the exact row, descendant
// rows, and the nearest ancestor row covering the path. Mutations keep
// those three sources disjoint.
func readValue(ctx context.Context, q querier, path string) (json.RawMessage, error) {
	rows, err := q.Query(ctx,
		"SELECT path, value FROM nodes WHERE path = $1 OR path LIKE $1 || '/%' ORDER BY length(path)",
		path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tree any
	for rows.Next() {
		var rowPath string
		var raw []byte
		if err := rows.Scan(&rowPath, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("corrupt node at %s: %w", rowPath, err)
		}
		if rowPath == path {
			tree = value
			continue
		}
		m, ok := tree.(map[string]any)
		if !ok {
			m = make(map[string]any)
			tree = m
		}
		rel := strings.Split(rowPath[len(path)+1:], "/")
		setNode(m, rel, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if tree == nil {
		tree, err = readFromAncestor(ctx, q, path)
		if err != nil {
			return nil, err
		}
	}
	if tree == nil {
		return nil, nil
	}
	if m, ok := tree.(map[string]any); ok && len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(tree)
}

func readFromAncestor(ctx context.Context, q querier, path string) (any, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}

	for i := len(segs) - 1; i >= 1; i-- {
		anc := strings.Join(segs[:i], "/")
		suffix := segs[i:]

		var raw []byte
		err := q.QueryRow(ctx,
			"SELECT value #> $2 FROM nodes WHERE path = $1",
			anc, suffix).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The nearest ancestor row covers this subtree; absence inside
		// it is authoritative.
		if raw == nil {
			return nil, nil
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		return value, nil
	}
	return nil, nil
}

// lockRows takes FOR UPDATE locks on every row the mutation can touch.
func lockRows(ctx context.Context, tx pgx.Tx, path string) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	ancestors := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		ancestors = append(ancestors, strings.Join(segs[:i], "/"))
	}

	rows, err := tx.Query(ctx,
		"SELECT path FROM nodes WHERE path = $1 OR path LIKE $1 || '/%' OR path = ANY($2) FOR UPDATE",
		path, ancestors)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

// replace performs the write inside a transaction: descendant
// rows die, the subtree is stripped from any covering ancestor row, and
// the value (when non-nil) lands as a single fresh row.
func replace(ctx context.Context, tx pgx.Tx, path string, value json.RawMessage) error {
	if _, err := tx.Exec(ctx,
		"DELETE FROM nodes WHERE path = $1 OR path LIKE $1 || '/%'", path); err != nil {
		return err
	}

	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	for i := len(segs) - 1; i >= 1; i-- {
		anc := strings.Join(segs[:i], "/")
		suffix := segs[i:]
		if _, err := tx.Exec(ctx,
			"UPDATE nodes SET value = value #- $2 WHERE path = $1",
			anc, suffix); err != nil {
			return err
		}
	}

	// Emptied-out objects mean absence, same as upstream.
	if _, err := tx.Exec(ctx, "DELETE FROM nodes WHERE value = '{}'::jsonb"); err != nil {
		return err
	}

	if value == nil || string(value) == "null" {
		return nil
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO nodes (path, value) VALUES ($1, $2) ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value",
		path, value)
	return err
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
	parent[segs[len(segs)-1]] = value
}
