package broker

import (
	"context"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/diwise/resource-broker/internal/pkg/application/metrics"
	"github.com/diwise/resource-broker/internal/pkg/application/registry"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage/memory"
	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

func testApp(t *testing.T) (*App, *memory.Store) {
	t.Helper()

	product := &resources.Entity{
		Name:       "Product",
		Table:      "products",
		PrimaryKey: "id",
		Fields: map[string]string{
			"name":        "string",
			"sku":         "string",
			"price":       "number",
			"category_id": "uuid",
		},
		Fillable:     []string{"name", "sku", "price", "category_id"},
		UniqueFields: []string{"sku"},
		SoftDelete:   true,
		Timestamps:   true,
		Relations: []resources.Relation{
			{Name: "category", Resource: "categories", Cardinality: resources.One, ForeignKey: "category_id"},
			{Name: "tags", Resource: "tags", Cardinality: resources.ManyToMany, PivotTable: "product_tag", PivotOwnerKey: "product_id", PivotRelatedKey: "tag_id"},
		},
		Rules: func(action resources.Action) resources.Ruleset {
			rules := resources.Ruleset{
				"name":  {resources.MinLen(2)},
				"price": {resources.Min(0)},
			}
			if action == resources.ActionCreate {
				rules["name"] = append([]resources.Rule{resources.Required()}, rules["name"]...)
			}
			return rules
		},
	}
	category := &resources.Entity{
		Name:         "Category",
		Table:        "categories",
		PrimaryKey:   "id",
		Fields:       map[string]string{"name": "string"},
		Fillable:     []string{"name"},
		UniqueFields: []string{"name"},
		Relations: []resources.Relation{
			{Name: "products", Resource: "products", Cardinality: resources.Many, OwnerKey: "category_id"},
		},
	}
	tag := &resources.Entity{
		Name:         "Tag",
		Table:        "tags",
		PrimaryKey:   "id",
		Fields:       map[string]string{"name": "string"},
		Fillable:     []string{"name"},
		UniqueFields: []string{"name"},
	}

	reg, err := registry.New(product, category, tag)
	if err != nil {
		t.Fatal(err)
	}

	store := memory.New()
	return New(reg, store, Config{Logger: zerolog.Nop()}), store
}

func mustCreate(t *testing.T, app *App, slug string, payload resources.Record) resources.Record {
	t.Helper()
	rec, err := app.Create(context.Background(), slug, payload, resources.WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestCreateWithNestedRelationsRespondsWithThem(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)

	rec := mustCreate(t, app, "products", resources.Record{
		"name":     "Hammer",
		"sku":      "H-1",
		"price":    20.0,
		"category": map[string]any{"name": "Tools"},
		"tags":     []any{map[string]any{"name": "steel"}},
	})

	is.True(rec["id"] != nil)

	category, ok := rec["category"].(resources.Record)
	is.True(ok) // the touched relation comes back on the response
	is.Equal(category["name"], "Tools")

	tags, ok := rec["tags"].([]resources.Record)
	is.True(ok)
	is.Equal(len(tags), 1)
	is.Equal(tags[0]["name"], "steel")
}

func TestCreateValidationFailureWritesNothing(t *testing.T) {
	is := is.New(t)
	app, store := testApp(t)
	ctx := context.Background()

	_, err := app.Create(ctx, "products", resources.Record{"price": -1}, resources.WriteOptions{})
	is.True(errors.Is(err, errors.ErrValidation))

	details := errors.Details(err)
	failures, ok := details.(map[string][]string)
	is.True(ok)
	is.True(len(failures["name"]) > 0)  // required on create
	is.True(len(failures["price"]) > 0) // negative price

	res, qerr := store.Query(ctx, storage.Query{Table: "products", Key: "id"})
	is.NoErr(qerr)
	is.Equal(res.Total, 0)
}

func TestUpdateValidationFailureLeavesRecordUnchanged(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	rec := mustCreate(t, app, "products", resources.Record{"name": "Hammer", "sku": "H-1", "price": 20.0})

	_, err := app.Update(ctx, "products", rec["id"], resources.Record{"price": -5}, resources.WriteOptions{})
	is.True(errors.Is(err, errors.ErrValidation))

	got, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{})
	is.NoErr(err)
	is.Equal(got["price"], 20.0) // the stored value is untouched
}

func TestUpdateIsPartial(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	rec := mustCreate(t, app, "products", resources.Record{"name": "Hammer", "sku": "H-1", "price": 20.0})

	_, err := app.Update(ctx, "products", rec["id"], resources.Record{"price": 25.0}, resources.WriteOptions{})
	is.NoErr(err)

	got, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{})
	is.NoErr(err)
	is.Equal(got["price"], 25.0)
	is.Equal(got["name"], "Hammer") // an omitted field keeps its value
}

func TestListEmptyResourceIsNotAnError(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)

	result, err := app.List(context.Background(), "products", resources.ListOptions{})
	is.NoErr(err)
	is.Equal(len(result.Items), 0)
	is.Equal(result.Meta.Total, 0)
	is.Equal(result.Meta.CurrentPage, 1)
	is.Equal(result.Meta.LastPage, 1)
}

func TestListUnknownResource(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)

	_, err := app.List(context.Background(), "warehouses", resources.ListOptions{})
	is.True(errors.Is(err, errors.ErrInvalidResource))
}

func TestListFilterSortAndPaginate(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	mustCreate(t, app, "products", resources.Record{"name": "Bolt", "sku": "B-1", "price": 2.5})
	mustCreate(t, app, "products", resources.Record{"name": "Nut", "sku": "N-1", "price": 1.0})
	mustCreate(t, app, "products", resources.Record{"name": "Hammer", "sku": "H-1", "price": 20.0})
	mustCreate(t, app, "products", resources.Record{"name": "Saw", "sku": "S-1", "price": 35.0})

	result, err := app.List(ctx, "products", resources.ListOptions{
		Filters: []resources.Filter{{Path: "price", Operator: resources.OpGt, Value: 2.0}},
		Sorts:   []resources.Sort{{Path: "price", Descending: true}},
		Page:    1,
		PerPage: 2,
	})
	is.NoErr(err)

	is.Equal(result.Meta.Total, 3)
	is.Equal(result.Meta.LastPage, 2)
	is.Equal(result.Meta.From, 1)
	is.Equal(result.Meta.To, 2)
	is.Equal(len(result.Items), 2)
	is.Equal(result.Items[0]["name"], "Saw")
	is.Equal(result.Items[1]["name"], "Hammer")
}

func TestListFilterAcrossRelation(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	mustCreate(t, app, "products", resources.Record{
		"name": "Hammer", "sku": "H-1",
		"category": map[string]any{"name": "Tools"},
	})
	mustCreate(t, app, "products", resources.Record{
		"name": "Bolt", "sku": "B-1",
		"category": map[string]any{"name": "Fasteners"},
	})

	result, err := app.List(ctx, "products", resources.ListOptions{
		Filters: []resources.Filter{{Path: "category.name", Operator: resources.OpEq, Value: "Tools"}},
	})
	is.NoErr(err)
	is.Equal(result.Meta.Total, 1)
	is.Equal(result.Items[0]["name"], "Hammer")
}

func TestRetrieveWithIncludesAndFields(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	rec := mustCreate(t, app, "products", resources.Record{
		"name": "Hammer", "sku": "H-1", "price": 20.0,
		"category": map[string]any{"name": "Tools"},
	})

	got, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{
		Include: []string{"category"},
		Fields:  []string{"name"},
	})
	is.NoErr(err)

	is.Equal(got["name"], "Hammer")
	is.Equal(got["id"], rec["id"]) // the key survives field selection
	_, present := got["price"]
	is.True(!present) // unselected fields are dropped

	category, ok := got["category"].(resources.Record)
	is.True(ok) // included relations survive field selection
	is.Equal(category["name"], "Tools")
}

func TestRetrieveUnknownInclude(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)

	rec := mustCreate(t, app, "products", resources.Record{"name": "Hammer", "sku": "H-1"})

	_, err := app.Retrieve(context.Background(), "products", rec["id"], resources.ReadOptions{
		Include: []string{"warehouse"},
	})
	is.True(errors.Is(err, errors.ErrInvalidFilter))
}

func TestRetrieveMissingInstance(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)

	_, err := app.Retrieve(context.Background(), "products", "nope", resources.ReadOptions{})
	is.True(errors.Is(err, errors.ErrNotFound))
}

func TestAvoidDuplicatesOnCreate(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	first := mustCreate(t, app, "products", resources.Record{"name": "Bolt", "sku": "B-1"})

	second, err := app.Create(ctx, "products", resources.Record{"name": "Bolt v2", "sku": "B-1"}, resources.WriteOptions{AvoidDuplicates: true})
	is.NoErr(err)
	is.Equal(second["id"], first["id"])

	result, err := app.List(ctx, "products", resources.ListOptions{})
	is.NoErr(err)
	is.Equal(result.Meta.Total, 1)
}

func TestSoftDeleteHidesAndRestoresVisibility(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	rec := mustCreate(t, app, "products", resources.Record{"name": "Hammer", "sku": "H-1"})

	is.NoErr(app.Delete(ctx, "products", rec["id"], resources.DeleteOptions{}))

	_, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{})
	is.True(errors.Is(err, errors.ErrNotFound)) // soft deleted rows are hidden

	got, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{WithTrashed: true})
	is.NoErr(err)
	is.True(got["deleted_at"] != nil)

	result, err := app.List(ctx, "products", resources.ListOptions{OnlyTrashed: true})
	is.NoErr(err)
	is.Equal(result.Meta.Total, 1)
}

func TestForcedDeleteRemovesTheRow(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	rec := mustCreate(t, app, "products", resources.Record{"name": "Hammer", "sku": "H-1"})

	is.NoErr(app.Delete(ctx, "products", rec["id"], resources.DeleteOptions{Force: true}))

	_, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{WithTrashed: true})
	is.True(errors.Is(err, errors.ErrNotFound))
}

func TestDeleteBlockedByDependents(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)
	ctx := context.Background()

	rec := mustCreate(t, app, "products", resources.Record{
		"name": "Hammer", "sku": "H-1",
		"category": map[string]any{"name": "Tools"},
	})
	category := rec["category"].(resources.Record)

	err := app.Delete(ctx, "categories", category["id"], resources.DeleteOptions{})
	is.True(errors.Is(err, errors.ErrDependencyConstraint))

	_, err = app.Retrieve(ctx, "categories", category["id"], resources.ReadOptions{})
	is.NoErr(err) // the blocked delete left the instance in place
}

func TestDeleteMissingInstance(t *testing.T) {
	is := is.New(t)
	app, _ := testApp(t)

	err := app.Delete(context.Background(), "products", "nope", resources.DeleteOptions{})
	is.True(errors.Is(err, errors.ErrNotFound))
}

func TestHooksRunAroundWrites(t *testing.T) {
	is := is.New(t)

	var calls []string

	widget := &resources.Entity{
		Name:       "Widget",
		Table:      "widgets",
		PrimaryKey: "id",
		Fields:     map[string]string{"name": "string"},
		Fillable:   []string{"name"},
		Hooks: &resources.Hooks{
			BeforeCreate: func(ctx context.Context, payload resources.Record) (resources.Record, error) {
				calls = append(calls, "before-create")
				payload["name"] = "stamped"
				return payload, nil
			},
			AfterCreate: func(ctx context.Context, rec resources.Record) error {
				calls = append(calls, "after-create")
				return nil
			},
			BeforeDelete: func(ctx context.Context, rec resources.Record) error {
				calls = append(calls, "before-delete")
				return nil
			},
			AfterDelete: func(ctx context.Context, rec resources.Record) error {
				calls = append(calls, "after-delete")
				return nil
			},
		},
	}

	reg, err := registry.New(widget)
	is.NoErr(err)

	app := New(reg, memory.New(), Config{Logger: zerolog.Nop()})
	ctx := context.Background()

	rec, err := app.Create(ctx, "widgets", resources.Record{"name": "raw"}, resources.WriteOptions{})
	is.NoErr(err)
	is.Equal(rec["name"], "stamped") // the before hook rewrote the payload

	is.NoErr(app.Delete(ctx, "widgets", rec["id"], resources.DeleteOptions{}))

	is.Equal(calls, []string{"before-create", "after-create", "before-delete", "after-delete"})
}

func TestEveryOperationFeedsTheQueryMetrics(t *testing.T) {
	is := is.New(t)

	widget := &resources.Entity{
		Name:       "Widget",
		Table:      "widgets",
		PrimaryKey: "id",
		Fields:     map[string]string{"name": "string"},
		Fillable:   []string{"name"},
	}

	reg, err := registry.New(widget)
	is.NoErr(err)

	metricsStore := memory.New()
	recorder := metrics.NewRecorder(metricsStore, 0, zerolog.Nop())

	app := New(reg, memory.New(), Config{Logger: zerolog.Nop(), Recorder: recorder})
	ctx := context.Background()

	rec, err := app.Create(ctx, "widgets", resources.Record{"name": "gizmo"}, resources.WriteOptions{})
	is.NoErr(err)

	_, err = app.Retrieve(ctx, "widgets", rec["id"], resources.ReadOptions{})
	is.NoErr(err)

	_, err = app.List(ctx, "widgets", resources.ListOptions{})
	is.NoErr(err)

	is.NoErr(app.Delete(ctx, "widgets", rec["id"], resources.DeleteOptions{}))

	recorder.Stop()

	result, err := metricsStore.Query(ctx, storage.Query{Table: metrics.QueryTable, Key: "id"})
	is.NoErr(err)

	var statements []string
	for _, row := range result.Rows {
		statements = append(statements, row["query"].(string))
	}
	joined := strings.Join(statements, "\n")

	is.True(strings.Contains(joined, "SELECT * FROM widgets WHERE id = $1")) // single-row reads surface
	is.True(strings.Contains(joined, "TRANSACTION store widgets"))           // creates surface
	is.True(strings.Contains(joined, "TRANSACTION destroy widgets"))         // deletes surface
	is.True(len(statements) >= 4)                                            // the list query rides along too
}

func TestDefaultIncludesLoadWithoutBeingAsked(t *testing.T) {
	is := is.New(t)

	product := &resources.Entity{
		Name:       "Product",
		Table:      "products",
		PrimaryKey: "id",
		Fields:     map[string]string{"name": "string", "category_id": "uuid"},
		Fillable:   []string{"name", "category_id"},
		Relations: []resources.Relation{
			{Name: "category", Resource: "categories", Cardinality: resources.One, ForeignKey: "category_id"},
		},
		DefaultIncludes: []string{"category"},
	}
	category := &resources.Entity{
		Name:       "Category",
		Table:      "categories",
		PrimaryKey: "id",
		Fields:     map[string]string{"name": "string"},
		Fillable:   []string{"name"},
	}

	reg, err := registry.New(product, category)
	is.NoErr(err)

	app := New(reg, memory.New(), Config{Logger: zerolog.Nop()})
	ctx := context.Background()

	rec, err := app.Create(ctx, "products", resources.Record{
		"name":     "Hammer",
		"category": map[string]any{"name": "Tools"},
	}, resources.WriteOptions{})
	is.NoErr(err)

	got, err := app.Retrieve(ctx, "products", rec["id"], resources.ReadOptions{})
	is.NoErr(err)

	loaded, ok := got["category"].(resources.Record)
	is.True(ok) // the default include rides along on every read
	is.Equal(loaded["name"], "Tools")
}
