package memory

import (
	"context"
	"testing"

	"github.com/matryer/is"

	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
)

func seed(t *testing.T, s *Store, table string, rows ...resources.Record) {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := tx.Insert(ctx, table, row); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func productStore(t *testing.T) *Store {
	s := New()

	seed(t, s, "products",
		resources.Record{"id": "p-1", "name": "Bolt", "price": 2.5, "category_id": "c-1"},
		resources.Record{"id": "p-2", "name": "Nut", "price": 1.0, "category_id": "c-1"},
		resources.Record{"id": "p-3", "name": "Hammer", "price": 20.0, "category_id": "c-2"},
		resources.Record{"id": "p-4", "name": "Saw", "price": 35.0, "category_id": nil},
	)
	seed(t, s, "categories",
		resources.Record{"id": "c-1", "name": "Fasteners"},
		resources.Record{"id": "c-2", "name": "Tools"},
	)
	seed(t, s, "tags",
		resources.Record{"id": "t-1", "name": "steel"},
		resources.Record{"id": "t-2", "name": "wood"},
	)
	seed(t, s, "product_tag",
		resources.Record{"product_id": "p-1", "tag_id": "t-1"},
		resources.Record{"product_id": "p-3", "tag_id": "t-1"},
		resources.Record{"product_id": "p-3", "tag_id": "t-2"},
	)

	return s
}

func categoryJoin() storage.Join {
	return storage.Join{
		Relation: resources.Relation{Name: "category", Resource: "categories", Cardinality: resources.One, ForeignKey: "category_id"},
		Table:    "categories",
		Key:      "id",
		Alias:    "category",
	}
}

func tagsJoin() storage.Join {
	return storage.Join{
		Relation: resources.Relation{
			Name: "tags", Resource: "tags", Cardinality: resources.ManyToMany,
			PivotTable: "product_tag", PivotOwnerKey: "product_id", PivotRelatedKey: "tag_id",
		},
		Table: "tags",
		Key:   "id",
		Alias: "tags",
	}
}

func TestFilterOperators(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	cases := []struct {
		cond storage.Condition
		want int
	}{
		{storage.Condition{Column: "name", Operator: resources.OpEq, Value: "Bolt"}, 1},
		{storage.Condition{Column: "price", Operator: resources.OpGt, Value: 2.5}, 2},
		{storage.Condition{Column: "price", Operator: resources.OpGte, Value: 2.5}, 3},
		{storage.Condition{Column: "price", Operator: resources.OpLt, Value: 2.0}, 1},
		{storage.Condition{Column: "price", Operator: resources.OpLte, Value: 2.5}, 2},
		{storage.Condition{Column: "name", Operator: resources.OpLike, Value: "ha"}, 1},
		{storage.Condition{Column: "name", Operator: resources.OpIn, Value: []any{"Bolt", "Saw"}}, 2},
		{storage.Condition{Column: "name", Operator: resources.OpNotIn, Value: []any{"Bolt", "Saw"}}, 2},
		{storage.Condition{Column: "price", Operator: resources.OpBetween, Value: []any{1.0, 3.0}}, 2},
		{storage.Condition{Column: "price", Operator: resources.OpNotBetween, Value: []any{1.0, 3.0}}, 2},
		{storage.Condition{Column: "category_id", Operator: resources.OpNull}, 1},
		{storage.Condition{Column: "category_id", Operator: resources.OpNotNull}, 3},
	}

	for _, c := range cases {
		res, err := s.Query(ctx, storage.Query{Table: "products", Key: "id", Conditions: []storage.Condition{c.cond}})
		is.NoErr(err)
		is.Equal(res.Total, c.want) // operator should select the expected rows
	}
}

func TestConditionsCombineWithAnd(t *testing.T) {
	is := is.New(t)
	s := productStore(t)

	res, err := s.Query(context.Background(), storage.Query{
		Table: "products", Key: "id",
		Conditions: []storage.Condition{
			{Column: "price", Operator: resources.OpGt, Value: 1.5},
			{Column: "price", Operator: resources.OpLt, Value: 25.0},
		},
	})
	is.NoErr(err)
	is.Equal(res.Total, 2) // Bolt and Hammer
}

func TestFilterAcrossOneRelation(t *testing.T) {
	is := is.New(t)
	s := productStore(t)

	res, err := s.Query(context.Background(), storage.Query{
		Table: "products", Key: "id",
		Joins:      []storage.Join{categoryJoin()},
		Conditions: []storage.Condition{{Alias: "category", Column: "name", Operator: resources.OpEq, Value: "Fasteners"}},
		Dedupe:     true,
	})
	is.NoErr(err)
	is.Equal(res.Total, 2)
}

func TestFilterAcrossManyToManyRelation(t *testing.T) {
	is := is.New(t)
	s := productStore(t)

	res, err := s.Query(context.Background(), storage.Query{
		Table: "products", Key: "id",
		Joins:      []storage.Join{tagsJoin()},
		Conditions: []storage.Condition{{Alias: "tags", Column: "name", Operator: resources.OpEq, Value: "steel"}},
		Dedupe:     true,
	})
	is.NoErr(err)
	is.Equal(res.Total, 2) // Bolt and Hammer carry the steel tag
}

func TestConditionsOnOneToManyAliasBindToOneRelatedRow(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	// p-3 carries both steel and wood; a join emits one related row per
	// tuple, so two distinct equalities on the alias can never both hold
	res, err := s.Query(ctx, storage.Query{
		Table: "products", Key: "id",
		Joins: []storage.Join{tagsJoin()},
		Conditions: []storage.Condition{
			{Alias: "tags", Column: "name", Operator: resources.OpEq, Value: "steel"},
			{Alias: "tags", Column: "name", Operator: resources.OpEq, Value: "wood"},
		},
		Dedupe: true,
	})
	is.NoErr(err)
	is.Equal(res.Total, 0)

	// two conditions one related row can satisfy together still match
	res, err = s.Query(ctx, storage.Query{
		Table: "products", Key: "id",
		Joins: []storage.Join{tagsJoin()},
		Conditions: []storage.Condition{
			{Alias: "tags", Column: "name", Operator: resources.OpLike, Value: "st"},
			{Alias: "tags", Column: "name", Operator: resources.OpLike, Value: "eel"},
		},
		Dedupe: true,
	})
	is.NoErr(err)
	is.Equal(res.Total, 2) // steel satisfies both, on p-1 and p-3
}

func TestSortAcrossToManyKeepsEachRootOnce(t *testing.T) {
	is := is.New(t)
	s := productStore(t)

	// p-3 has two tags; a naive join would emit it twice
	res, err := s.Query(context.Background(), storage.Query{
		Table: "products", Key: "id",
		Joins:  []storage.Join{tagsJoin()},
		Order:  []storage.Order{{Alias: "tags", Column: "name"}, {Column: "id"}},
		Dedupe: true,
	})
	is.NoErr(err)
	is.Equal(res.Total, 4)

	seen := map[string]int{}
	for _, row := range res.Rows {
		seen[row["id"].(string)]++
	}
	is.Equal(seen["p-3"], 1) // each root appears once regardless of tag count
}

func TestSortingAndPagination(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	res, err := s.Query(ctx, storage.Query{
		Table: "products", Key: "id",
		Order:   []storage.Order{{Column: "price", Descending: true}, {Column: "id"}},
		Page:    1,
		PerPage: 2,
	})
	is.NoErr(err)
	is.Equal(res.Total, 4)       // total counts every match, not the window
	is.Equal(len(res.Rows), 2)   // the window honours per page
	is.Equal(res.Rows[0]["name"], "Saw")
	is.Equal(res.Rows[1]["name"], "Hammer")

	res, err = s.Query(ctx, storage.Query{
		Table: "products", Key: "id",
		Order:   []storage.Order{{Column: "price", Descending: true}, {Column: "id"}},
		Page:    3,
		PerPage: 2,
	})
	is.NoErr(err)
	is.Equal(len(res.Rows), 0) // a page beyond the result set is empty
	is.Equal(res.Total, 4)
}

func TestSoftDeleteVisibility(t *testing.T) {
	is := is.New(t)
	s := New()
	ctx := context.Background()

	seed(t, s, "products",
		resources.Record{"id": "p-1", "name": "Bolt", "deleted_at": nil},
		resources.Record{"id": "p-2", "name": "Nut", "deleted_at": "2026-08-01T00:00:00Z"},
	)

	res, err := s.Query(ctx, storage.Query{Table: "products", Key: "id", SoftDelete: true})
	is.NoErr(err)
	is.Equal(res.Total, 1) // trashed rows are hidden by default

	res, err = s.Query(ctx, storage.Query{Table: "products", Key: "id", SoftDelete: true, WithTrashed: true})
	is.NoErr(err)
	is.Equal(res.Total, 2)

	res, err = s.Query(ctx, storage.Query{Table: "products", Key: "id", SoftDelete: true, OnlyTrashed: true})
	is.NoErr(err)
	is.Equal(res.Total, 1)
	is.Equal(res.Rows[0]["id"], "p-2")

	_, err = s.Get(ctx, "products", "id", "p-2", false)
	is.Equal(err, storage.ErrNoRows) // trashed rows do not Get without withTrashed

	rec, err := s.Get(ctx, "products", "id", "p-2", true)
	is.NoErr(err)
	is.Equal(rec["name"], "Nut")
}

func TestRollbackRestoresEveryTable(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	is.NoErr(err)

	is.NoErr(tx.Insert(ctx, "products", resources.Record{"id": "p-9", "name": "Drill"}))
	is.NoErr(tx.Update(ctx, "products", "id", "p-1", resources.Record{"name": "Renamed"}))
	is.NoErr(tx.Delete(ctx, "categories", "id", "c-2"))
	is.NoErr(tx.Rollback(ctx))

	_, err = s.Get(ctx, "products", "id", "p-9", true)
	is.Equal(err, storage.ErrNoRows) // the insert is gone

	rec, err := s.Get(ctx, "products", "id", "p-1", true)
	is.NoErr(err)
	is.Equal(rec["name"], "Bolt") // the update is undone

	_, err = s.Get(ctx, "categories", "id", "c-2", true)
	is.NoErr(err) // the delete is undone
}

func TestLockMatchFindsByAllColumns(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	is.NoErr(err)
	defer tx.Rollback(ctx)

	rec, err := tx.LockMatch(ctx, "products", "id", resources.Record{"name": "Bolt", "category_id": "c-1"})
	is.NoErr(err)
	is.Equal(rec["id"], "p-1")

	_, err = tx.LockMatch(ctx, "products", "id", resources.Record{"name": "Bolt", "category_id": "c-2"})
	is.Equal(err, storage.ErrNoRows)
}

func TestSyncPivotReplacesAssociationsWholesale(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	is.NoErr(err)

	pivot := storage.PivotConstraint{Table: "product_tag", OwnerKey: "product_id", RelatedKey: "tag_id", OwnerID: "p-3"}
	is.NoErr(tx.SyncPivot(ctx, pivot, []any{"t-2"}))
	is.NoErr(tx.Commit(ctx))

	res, err := s.Query(ctx, storage.Query{
		Table: "products", Key: "id",
		Pivot: &storage.PivotConstraint{Table: "product_tag", OwnerKey: "tag_id", RelatedKey: "product_id", OwnerID: "t-1"},
	})
	is.NoErr(err)
	is.Equal(res.Total, 1) // only p-1 still carries the steel tag
	is.Equal(res.Rows[0]["id"], "p-1")
}

func TestDetachOthersClearsForeignKeys(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	is.NoErr(err)

	is.NoErr(tx.DetachOthers(ctx, "products", "id", "category_id", "c-1", []any{"p-1"}))
	is.NoErr(tx.Commit(ctx))

	rec, err := s.Get(ctx, "products", "id", "p-2", true)
	is.NoErr(err)
	is.Equal(rec["category_id"], nil) // p-2 was detached

	rec, err = s.Get(ctx, "products", "id", "p-1", true)
	is.NoErr(err)
	is.Equal(rec["category_id"], "c-1") // the kept row is untouched
}

func TestQueryResultRowsAreCopies(t *testing.T) {
	is := is.New(t)
	s := productStore(t)
	ctx := context.Background()

	res, err := s.Query(ctx, storage.Query{Table: "products", Key: "id"})
	is.NoErr(err)

	res.Rows[0]["name"] = "mutated"

	rec, err := s.Get(ctx, "products", "id", res.Rows[0]["id"], true)
	is.NoErr(err)
	is.True(rec["name"] != "mutated") // callers cannot reach the stored rows
}
