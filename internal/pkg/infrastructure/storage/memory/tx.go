package memory

import (
	"context"

	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
)

type tx struct {
	store  *Store
	backup map[string][]resources.Record
	done   bool
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.tables = t.backup
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Get(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error) {
	return t.store.get(table, key, id, withTrashed)
}

func (t *tx) LockMatch(ctx context.Context, table, key string, match resources.Record) (resources.Record, error) {
	// the store-wide write lock held for the transaction's lifetime is
	// the row lock
	rows, err := t.Match(ctx, table, key, match, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.ErrNoRows
	}
	return rows[0], nil
}

func (t *tx) Match(ctx context.Context, table, key string, match resources.Record, limit int) ([]resources.Record, error) {
	var out []resources.Record

	for _, row := range t.store.tables[table] {
		all := true
		for col, want := range match {
			if !looseEqual(row[col], want) {
				all = false
				break
			}
		}

		if all {
			out = append(out, row.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}

	return out, nil
}

func (t *tx) Insert(ctx context.Context, table string, rec resources.Record) error {
	t.store.tables[table] = append(t.store.tables[table], rec.Clone())
	return nil
}

func (t *tx) Update(ctx context.Context, table, key string, id any, attrs resources.Record) error {
	for _, row := range t.store.tables[table] {
		if looseEqual(row[key], id) {
			for k, v := range attrs {
				row[k] = v
			}
			return nil
		}
	}
	return storage.ErrNoRows
}

func (t *tx) Delete(ctx context.Context, table, key string, id any) error {
	rows := t.store.tables[table]
	for i, row := range rows {
		if looseEqual(row[key], id) {
			t.store.tables[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return storage.ErrNoRows
}

func (t *tx) SyncPivot(ctx context.Context, pivot storage.PivotConstraint, relatedIDs []any) error {
	var kept []resources.Record
	for _, row := range t.store.tables[pivot.Table] {
		if !looseEqual(row[pivot.OwnerKey], pivot.OwnerID) {
			kept = append(kept, row)
		}
	}

	for _, id := range relatedIDs {
		kept = append(kept, resources.Record{
			pivot.OwnerKey:   pivot.OwnerID,
			pivot.RelatedKey: id,
		})
	}

	t.store.tables[pivot.Table] = kept
	return nil
}

func (t *tx) DetachOthers(ctx context.Context, table, key, ownerKey string, ownerID any, keep []any) error {
	keepSet := map[string]bool{}
	for _, id := range keep {
		keepSet[stringify(id)] = true
	}

	for _, row := range t.store.tables[table] {
		if looseEqual(row[ownerKey], ownerID) && !keepSet[stringify(row[key])] {
			row[ownerKey] = nil
		}
	}
	return nil
}
