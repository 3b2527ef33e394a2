package storage

import (
	"context"
	"errors"

	"github.com/diwise/resource-broker/pkg/resources"
)

// ErrNoRows is returned by lookups that match nothing.
var ErrNoRows = errors.New("no matching rows")

// ErrConstraint is returned when a write is blocked by referential
// integrity in the backing store.
var ErrConstraint = errors.New("constraint violation")

// Join describes a relation traversal needed by a filter or sort path.
// The engine derives the join keys from the relation's cardinality.
type Join struct {
	Relation resources.Relation
	// Table is the related entity's table.
	Table string
	// Key is the related entity's primary key column.
	Key string
	// Alias qualifies conditions targeting the joined table; equals the
	// relation name.
	Alias string
}

// Condition is a single WHERE constraint. An empty Alias targets the
// root table.
type Condition struct {
	Alias    string
	Column   string
	Operator resources.Operator
	Value    any
}

// Order is a single sort key. An empty Alias targets the root table.
type Order struct {
	Alias      string
	Column     string
	Descending bool
}

// PivotConstraint narrows a query to rows associated with an owner
// through a pivot table.
type PivotConstraint struct {
	Table      string
	OwnerKey   string
	RelatedKey string
	OwnerID    any
}

// Query is a backend-neutral description of a filtered, sorted and
// paginated read against one root table. Page 0 disables pagination.
type Query struct {
	Table      string
	Key        string
	Joins      []Join
	Conditions []Condition
	Order      []Order
	Pivot      *PivotConstraint

	Page    int
	PerPage int

	// Dedupe collapses duplicate root rows produced by to-many joins,
	// keeping the position of each row's first occurrence.
	Dedupe bool

	// SoftDelete marks the root table as carrying a deleted_at column.
	SoftDelete  bool
	WithTrashed bool
	OnlyTrashed bool
}

// QueryResult is a query's row window, its unpaginated total, and a
// normalized statement describing what ran (consumed by query metrics).
type QueryResult struct {
	Rows      []resources.Record
	Total     int
	Statement string
}

// Store is the read surface plus the transaction factory of a storage
// engine.
type Store interface {
	Query(ctx context.Context, q Query) (*QueryResult, error)
	Get(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error)
	Begin(ctx context.Context) (Tx, error)
	Close()
}

// Tx is the write surface of a storage engine. Writes compose into one
// transaction so an arbitrarily deep relation save either lands in full
// or not at all; Commit and Rollback must be safe on every exit path.
type Tx interface {
	Get(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error)

	// LockMatch finds at most one row whose columns equal every entry in
	// match, locked against concurrent writers until the transaction
	// ends. Returns ErrNoRows when nothing matches.
	LockMatch(ctx context.Context, table, key string, match resources.Record) (resources.Record, error)

	// Match finds up to limit rows whose columns equal every entry in
	// match.
	Match(ctx context.Context, table, key string, match resources.Record, limit int) ([]resources.Record, error)

	Insert(ctx context.Context, table string, rec resources.Record) error
	Update(ctx context.Context, table, key string, id any, attrs resources.Record) error
	Delete(ctx context.Context, table, key string, id any) error

	// SyncPivot replaces the owner's pivot association set wholesale.
	SyncPivot(ctx context.Context, pivot PivotConstraint, relatedIDs []any) error

	// DetachOthers clears ownerKey on rows owned by ownerID whose id is
	// not in keep. Used when a caller explicitly replaces a to-many
	// relation.
	DetachOthers(ctx context.Context, table, key, ownerKey string, ownerID any, keep []any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
