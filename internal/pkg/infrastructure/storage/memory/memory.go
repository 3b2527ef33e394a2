package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
)

// Store is an in-memory storage engine. It implements the full query
// contract (joins, operators, dedup, pagination, soft deletes) so the
// stack can run and be tested without postgres. Writers are serialized,
// which also closes the duplicate-avoidance race the locked-match
// contract exists for.
type Store struct {
	mu     sync.RWMutex
	tables map[string][]resources.Record
}

func New() *Store {
	return &Store{tables: map[string][]resources.Record{}}
}

func (s *Store) Close() {}

func (s *Store) Query(ctx context.Context, q storage.Query) (*storage.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(q)
}

func (s *Store) Get(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.get(table, key, id, withTrashed)
}

// Begin locks the store for a single writer and snapshots every table so
// Rollback can restore the pre-transaction state wholesale.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	s.mu.Lock()

	backup := make(map[string][]resources.Record, len(s.tables))
	for name, rows := range s.tables {
		copied := make([]resources.Record, len(rows))
		for i, row := range rows {
			copied[i] = row.Clone()
		}
		backup[name] = copied
	}

	return &tx{store: s, backup: backup}, nil
}

func (s *Store) get(table, key string, id any, withTrashed bool) (resources.Record, error) {
	for _, row := range s.tables[table] {
		if !looseEqual(row[key], id) {
			continue
		}
		if !withTrashed && row["deleted_at"] != nil {
			continue
		}
		return row.Clone(), nil
	}
	return nil, storage.ErrNoRows
}

// expanded pairs a root row with the joined rows its sort keys come
// from; a root row sorted across a to-many relation yields one entry
// per joined row.
type expanded struct {
	root   resources.Record
	joined map[string]resources.Record
}

func (s *Store) query(q storage.Query) (*storage.QueryResult, error) {
	key := q.Key
	if key == "" {
		key = "id"
	}

	joins := map[string]storage.Join{}
	for _, j := range q.Joins {
		joins[j.Alias] = j
	}

	var filtered []resources.Record
	for _, row := range s.tables[q.Table] {
		if q.SoftDelete {
			trashed := row["deleted_at"] != nil
			if q.OnlyTrashed && !trashed {
				continue
			}
			if !q.OnlyTrashed && !q.WithTrashed && trashed {
				continue
			}
		}

		if q.Pivot != nil && !s.pivotAssociated(*q.Pivot, row[key]) {
			continue
		}

		ok, err := s.matches(row, key, q.Conditions, joins)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, row)
		}
	}

	rows := s.expand(filtered, key, q.Order, joins)
	s.sortExpanded(rows, q.Order)

	deduped := dedupe(rows, key)

	total := len(deduped)
	window := deduped
	if q.Page > 0 && q.PerPage > 0 {
		offset := (q.Page - 1) * q.PerPage
		if offset >= len(deduped) {
			window = nil
		} else {
			end := offset + q.PerPage
			if end > len(deduped) {
				end = len(deduped)
			}
			window = deduped[offset:end]
		}
	}

	out := make([]resources.Record, len(window))
	for i, row := range window {
		out[i] = row.Clone()
	}

	return &storage.QueryResult{
		Rows:      out,
		Total:     total,
		Statement: renderStatement(q),
	}, nil
}

func (s *Store) matches(row resources.Record, key string, conds []storage.Condition, joins map[string]storage.Join) (bool, error) {
	byAlias := map[string][]storage.Condition{}
	for _, c := range conds {
		byAlias[c.Alias] = append(byAlias[c.Alias], c)
	}

	for _, c := range byAlias[""] {
		ok, err := evalOperator(row[c.Column], c.Operator, c.Value)
		if err != nil || !ok {
			return false, err
		}
	}

	for alias, aliasConds := range byAlias {
		if alias == "" {
			continue
		}

		join, found := joins[alias]
		if !found {
			return false, fmt.Errorf("condition references unknown join %q", alias)
		}

		// mirror the SQL join: a single related row must satisfy every
		// condition on the alias at once
		anyMatch := false
		for _, related := range s.relatedRows(row, key, join) {
			all := true
			for _, c := range aliasConds {
				ok, err := evalOperator(related[c.Column], c.Operator, c.Value)
				if err != nil {
					return false, err
				}
				if !ok {
					all = false
					break
				}
			}
			if all {
				anyMatch = true
				break
			}
		}
		if !anyMatch {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) relatedRows(row resources.Record, key string, join storage.Join) []resources.Record {
	rel := join.Relation

	switch rel.Cardinality {
	case resources.One:
		fk := row[rel.ForeignKey]
		if fk == nil {
			return nil
		}
		var out []resources.Record
		for _, related := range s.tables[join.Table] {
			if looseEqual(related[join.Key], fk) {
				out = append(out, related)
			}
		}
		return out
	case resources.Many:
		var out []resources.Record
		for _, related := range s.tables[join.Table] {
			if looseEqual(related[rel.OwnerKey], row[key]) {
				out = append(out, related)
			}
		}
		return out
	case resources.ManyToMany:
		var out []resources.Record
		for _, pivot := range s.tables[rel.PivotTable] {
			if !looseEqual(pivot[rel.PivotOwnerKey], row[key]) {
				continue
			}
			for _, related := range s.tables[join.Table] {
				if looseEqual(related[join.Key], pivot[rel.PivotRelatedKey]) {
					out = append(out, related)
				}
			}
		}
		return out
	}

	return nil
}

func (s *Store) pivotAssociated(pivot storage.PivotConstraint, relatedID any) bool {
	for _, row := range s.tables[pivot.Table] {
		if looseEqual(row[pivot.OwnerKey], pivot.OwnerID) && looseEqual(row[pivot.RelatedKey], relatedID) {
			return true
		}
	}
	return false
}

// expand turns each root row into one tuple per joined row for every
// to-many alias used in the ordering, reproducing the duplicate root
// rows a join would emit so dedupe keeps first-occurrence order.
func (s *Store) expand(rows []resources.Record, key string, order []storage.Order, joins map[string]storage.Join) []expanded {
	aliases := map[string]storage.Join{}
	for _, o := range order {
		if o.Alias != "" {
			if j, ok := joins[o.Alias]; ok {
				aliases[o.Alias] = j
			}
		}
	}

	out := make([]expanded, 0, len(rows))
	for _, row := range rows {
		tuples := []expanded{{root: row, joined: map[string]resources.Record{}}}

		for alias, join := range aliases {
			related := s.relatedRows(row, key, join)
			if len(related) == 0 {
				continue
			}

			var next []expanded
			for _, t := range tuples {
				for _, rel := range related {
					j := map[string]resources.Record{}
					for k, v := range t.joined {
						j[k] = v
					}
					j[alias] = rel
					next = append(next, expanded{root: row, joined: j})
				}
			}
			tuples = next
		}

		out = append(out, tuples...)
	}
	return out
}

func (s *Store) sortExpanded(rows []expanded, order []storage.Order) {
	if len(order) == 0 {
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			a := sortValue(rows[i], o)
			b := sortValue(rows[j], o)

			cmp, ok := compareValues(a, b)
			if !ok || cmp == 0 {
				continue
			}
			if o.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func sortValue(e expanded, o storage.Order) any {
	if o.Alias == "" {
		return e.root[o.Column]
	}
	if joined, ok := e.joined[o.Alias]; ok {
		return joined[o.Column]
	}
	return nil
}

func dedupe(rows []expanded, key string) []resources.Record {
	seen := map[string]bool{}
	var out []resources.Record

	for _, e := range rows {
		id := fmt.Sprintf("%v", e.root[key])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, e.root)
	}
	return out
}

func renderStatement(q storage.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s", q.Table)

	for _, c := range q.Conditions {
		col := c.Column
		if c.Alias != "" {
			col = c.Alias + "." + col
		}
		fmt.Fprintf(&b, " WHERE %s %s ?", col, c.Operator)
	}
	for _, o := range q.Order {
		col := o.Column
		if o.Alias != "" {
			col = o.Alias + "." + col
		}
		dir := "ASC"
		if o.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", col, dir)
	}
	if q.Page > 0 && q.PerPage > 0 {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", q.PerPage, (q.Page-1)*q.PerPage)
	}

	return b.String()
}
