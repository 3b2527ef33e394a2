package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
)

const fkViolation = "23503"

// Store is the postgres storage engine, backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the given connection string and verifies
// connectivity before returning.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Query(ctx context.Context, q storage.Query) (*storage.QueryResult, error) {
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError(err)
	}

	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	countSQL, countArgs, err := buildCount(q)
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, translateError(err)
	}

	return &storage.QueryResult{Rows: records, Total: total, Statement: sql}, nil
}

func (s *Store) Get(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error) {
	return get(ctx, s.pool, table, key, id, withTrashed)
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{pgtx: pgtx}, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func get(ctx context.Context, db querier, table, key string, id any, withTrashed bool) (resources.Record, error) {
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, key)
	if !withTrashed {
		sql += " AND deleted_at IS NULL"
	}

	rows, err := db.Query(ctx, sql, id)
	if err != nil {
		return nil, translateError(err)
	}

	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, storage.ErrNoRows
	}

	return records[0], nil
}

type tx struct {
	pgtx pgx.Tx
}

func (t *tx) Commit(ctx context.Context) error   { return t.pgtx.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.pgtx.Rollback(ctx) }

func (t *tx) Get(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error) {
	return get(ctx, t.pgtx, table, key, id, withTrashed)
}

func (t *tx) LockMatch(ctx context.Context, table, key string, match resources.Record) (resources.Record, error) {
	sql, args := buildMatch(table, match, 1, true)

	rows, err := t.pgtx.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError(err)
	}

	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, storage.ErrNoRows
	}

	return records[0], nil
}

func (t *tx) Match(ctx context.Context, table, key string, match resources.Record, limit int) ([]resources.Record, error) {
	sql, args := buildMatch(table, match, limit, false)

	rows, err := t.pgtx.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError(err)
	}

	return collectRecords(rows)
}

func (t *tx) Insert(ctx context.Context, table string, rec resources.Record) error {
	sql, args := buildInsert(table, rec)
	_, err := t.pgtx.Exec(ctx, sql, args...)
	return translateError(err)
}

func (t *tx) Update(ctx context.Context, table, key string, id any, attrs resources.Record) error {
	if len(attrs) == 0 {
		return nil
	}

	sql, args := buildUpdate(table, key, id, attrs)
	_, err := t.pgtx.Exec(ctx, sql, args...)
	return translateError(err)
}

func (t *tx) Delete(ctx context.Context, table, key string, id any) error {
	tag, err := t.pgtx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, key), id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNoRows
	}
	return nil
}

func (t *tx) SyncPivot(ctx context.Context, pivot storage.PivotConstraint, relatedIDs []any) error {
	_, err := t.pgtx.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", pivot.Table, pivot.OwnerKey),
		pivot.OwnerID)
	if err != nil {
		return translateError(err)
	}

	for _, id := range relatedIDs {
		_, err = t.pgtx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, $2)",
				pivot.Table, pivot.OwnerKey, pivot.RelatedKey),
			pivot.OwnerID, id)
		if err != nil {
			return translateError(err)
		}
	}

	return nil
}

func (t *tx) DetachOthers(ctx context.Context, table, key, ownerKey string, ownerID any, keep []any) error {
	sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = $1", table, ownerKey, ownerKey)
	args := []any{ownerID}

	if len(keep) > 0 {
		sql += fmt.Sprintf(" AND NOT (%s = ANY($2))", key)
		args = append(args, keep)
	}

	_, err := t.pgtx.Exec(ctx, sql, args...)
	return translateError(err)
}

func collectRecords(rows pgx.Rows) ([]resources.Record, error) {
	defer rows.Close()

	var out []resources.Record

	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		rec := make(resources.Record, len(fields))
		for i, fd := range fields {
			// window bookkeeping columns from deduplicating selects
			if strings.HasPrefix(fd.Name, "__") {
				continue
			}
			rec[fd.Name] = values[i]
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == fkViolation {
		return fmt.Errorf("%w: %s", storage.ErrConstraint, pgErr.Detail)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNoRows
	}

	return err
}
