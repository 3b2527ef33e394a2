package registry

import (
	"testing"

	"github.com/matryer/is"

	"github.com/diwise/resource-broker/pkg/resources"
)

func TestSlugDerivation(t *testing.T) {
	is := is.New(t)

	cases := map[string]string{
		"Product":         "products",
		"Category":        "categories",
		"ProductCategory": "product-categories",
		"Box":             "boxes",
		"Batch":           "batches",
		"Day":             "days",
		"HTTPProxy":       "http-proxies",
	}

	for name, slug := range cases {
		is.Equal(SlugFromName(name), slug) // derived slug should match
	}
}

func TestResolveBySlug(t *testing.T) {
	is := is.New(t)

	r, err := New(
		&resources.Entity{Name: "Product", Table: "products", PrimaryKey: "id"},
		&resources.Entity{Name: "Category", Table: "categories", PrimaryKey: "id"},
	)
	is.NoErr(err)

	e, err := r.Resolve("products")
	is.NoErr(err)
	is.Equal(e.Name, "Product")

	_, err = r.Resolve("warehouses")
	is.True(err != nil) // unknown resources should not resolve
}

func TestExplicitSlugOverridesDerivation(t *testing.T) {
	is := is.New(t)

	r, err := New(&resources.Entity{Name: "Product", Slug: "goods", Table: "products", PrimaryKey: "id"})
	is.NoErr(err)

	e, err := r.Resolve("goods")
	is.NoErr(err)
	is.Equal(e.Name, "Product")

	_, err = r.Resolve("products")
	is.True(err != nil) // the derived slug should not be registered
}

func TestSlugCollisionIsAnError(t *testing.T) {
	is := is.New(t)

	_, err := New(
		&resources.Entity{Name: "Product", Table: "products", PrimaryKey: "id"},
		&resources.Entity{Name: "Item", Slug: "products", Table: "items", PrimaryKey: "id"},
	)
	is.True(err != nil) // two entities on the same slug should be rejected
}

func TestRelatedAcceptsSlugOrName(t *testing.T) {
	is := is.New(t)

	r, err := New(
		&resources.Entity{Name: "Product", Table: "products", PrimaryKey: "id"},
		&resources.Entity{Name: "Category", Table: "categories", PrimaryKey: "id"},
	)
	is.NoErr(err)

	bySlug, err := r.Related(resources.Relation{Resource: "categories"})
	is.NoErr(err)
	is.Equal(bySlug.Name, "Category")

	byName, err := r.Related(resources.Relation{Resource: "Category"})
	is.NoErr(err)
	is.Equal(byName.Name, "Category")
}

func TestEntitiesPreservesRegistrationOrder(t *testing.T) {
	is := is.New(t)

	r, err := New(
		&resources.Entity{Name: "Category", Table: "categories", PrimaryKey: "id"},
		&resources.Entity{Name: "Product", Table: "products", PrimaryKey: "id"},
		&resources.Entity{Name: "Tag", Table: "tags", PrimaryKey: "id"},
	)
	is.NoErr(err)

	all := r.Entities()
	is.Equal(len(all), 3)
	is.Equal(all[0].Name, "Category")
	is.Equal(all[1].Name, "Product")
	is.Equal(all[2].Name, "Tag")
}
