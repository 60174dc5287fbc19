// Package kvtable provisions the tenant-facing KeyValueTable services a
// stack declares (spec.md §3, §4.3 "create/ensure KV tables and
// buckets"), the KV-table counterpart to internal/objectstore's
// StorageBucket reconciliation. Tables live in the same shared,
// linearizable KV store the executor already uses for its own state
// (internal/kvstore.Store), each under its own namespaced key prefix so
// two stacks' tables, and two tables within one stack, never collide —
// grounded in the original executor's MuDB, which likewise keys
// databases by a `<stack-id>_<name>` name for CRUD idempotency
// (original_source/executor/src/stack/deploy.rs "Step 2: Databases").
package kvtable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/stack"
)

// TableName is the deterministic namespace a stack's declared
// KeyValueTable service is provisioned under.
func TableName(region uint32, id stack.ID, name string) string {
	return fmt.Sprintf("mu/region/%d/tables/%s/%s", region, id.String()[:16], strings.ToLower(name))
}

// markerKey is the sentinel entry EnsureTable/DeleteTable use to test
// existence without a potentially large prefix scan on every reconcile.
func markerKey(tableName string) string {
	return tableName + "/.exists"
}

// Store provisions and tears down KV tables against a shared
// kvstore.Store. The table's row data itself is read/written by the
// sandbox on the guest's behalf (spec.md §1 narrow scope); this package
// only owns the table's existence, the same division objectstore draws
// between bucket lifecycle and object contents.
type Store struct {
	kv kvstore.Store
}

// New wraps kv for KV-table provisioning.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// EnsureTable creates the table namespace if absent, idempotently.
func (s *Store) EnsureTable(ctx context.Context, name string) error {
	_, err := s.kv.CAS(ctx, markerKey(name), 0, []byte{1})
	if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
		return fmt.Errorf("kvtable: ensure table %s: %w", name, err)
	}
	return nil
}

// DeleteTable removes every key under the table's namespace, including
// its existence marker, tolerating a table that is already gone.
func (s *Store) DeleteTable(ctx context.Context, name string) error {
	entries, err := s.kv.Scan(ctx, name+"/")
	if err != nil {
		return fmt.Errorf("kvtable: scan table %s: %w", name, err)
	}
	for _, e := range entries {
		if err := s.kv.Delete(ctx, e.Key); err != nil {
			return fmt.Errorf("kvtable: delete key %s: %w", e.Key, err)
		}
	}
	if err := s.kv.Delete(ctx, markerKey(name)); err != nil {
		return fmt.Errorf("kvtable: delete table marker %s: %w", name, err)
	}
	return nil
}

// ReconcileTables brings the shared KV store's table set for a stack in
// line with its declared KeyValueTable services: creating newly
// declared tables and deleting ones marked for removal exactly once per
// revision (spec.md §4.3).
func (s *Store) ReconcileTables(ctx context.Context, region uint32, id stack.ID, spec stack.Spec) error {
	for _, svc := range spec.Services {
		if svc.Kind != stack.ServiceKeyValueTable {
			continue
		}
		name := TableName(region, id, svc.KVTable.Name)
		if svc.KVTable.Delete {
			if err := s.DeleteTable(ctx, name); err != nil {
				return err
			}
			continue
		}
		if err := s.EnsureTable(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
