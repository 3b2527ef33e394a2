package main

import (
	"github.com/diwise/resource-broker/pkg/resources"
)

// registeredEntities is the entity set this service exposes. The set is
// scanned once at startup; changing it requires a restart so the
// registry is always rebuilt wholesale.
func registeredEntities() []*resources.Entity {
	return []*resources.Entity{
		{
			Name:  "Product",
			Table: "products",
			Fields: map[string]string{
				"name":        "string",
				"description": "text",
				"price":       "number",
				"sku":         "string",
				"category_id": "uuid",
			},
			Fillable:     []string{"name", "description", "price", "sku", "category_id"},
			UniqueFields: []string{"sku"},
			SoftDelete:   true,
			Timestamps:   true,
			Relations: []resources.Relation{
				{
					Name:        "category",
					Resource:    "Category",
					Cardinality: resources.One,
					ForeignKey:  "category_id",
				},
				{
					Name:            "tags",
					Resource:        "Tag",
					Cardinality:     resources.ManyToMany,
					PivotTable:      "product_tag",
					PivotOwnerKey:   "product_id",
					PivotRelatedKey: "tag_id",
				},
			},
			Rules: func(action resources.Action) resources.Ruleset {
				rules := resources.Ruleset{
					"name":  {resources.MinLen(1), resources.MaxLen(255)},
					"price": {resources.Min(0)},
				}
				if action == resources.ActionCreate {
					rules["name"] = append([]resources.Rule{resources.Required()}, rules["name"]...)
				}
				return rules
			},
		},
		{
			Name:  "Category",
			Table: "categories",
			Fields: map[string]string{
				"name": "string",
			},
			Fillable:     []string{"name"},
			UniqueFields: []string{"name"},
			Timestamps:   true,
			Relations: []resources.Relation{
				{
					Name:        "products",
					Resource:    "Product",
					Cardinality: resources.Many,
					OwnerKey:    "category_id",
				},
			},
			Rules: func(action resources.Action) resources.Ruleset {
				rules := resources.Ruleset{
					"name": {resources.MaxLen(255)},
				}
				if action == resources.ActionCreate {
					rules["name"] = append([]resources.Rule{resources.Required()}, rules["name"]...)
				}
				return rules
			},
		},
		{
			Name:  "Tag",
			Table: "tags",
			Fields: map[string]string{
				"name": "string",
			},
			Fillable:     []string{"name"},
			UniqueFields: []string{"name"},
			Timestamps:   true,
		},
	}
}
