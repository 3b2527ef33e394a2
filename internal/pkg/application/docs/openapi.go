package docs

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/diwise/resource-broker/internal/pkg/application/registry"
	"github.com/diwise/resource-broker/pkg/resources"
)

// Document is the top-level OpenAPI 3.0 document.
type Document struct {
	OpenAPI    string              `json:"openapi"`
	Info       Info                `json:"info"`
	Paths      map[string]PathItem `json:"paths"`
	Components Components          `json:"components"`
}

// Info holds API metadata.
type Info struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

// PathItem maps HTTP methods to operations.
type PathItem map[string]Operation

// Operation describes a single API operation on a path.
type Operation struct {
	Summary     string       `json:"summary,omitempty"`
	OperationID string       `json:"operationId,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Parameters  []Parameter  `json:"parameters,omitempty"`
	RequestBody *RequestBody `json:"requestBody,omitempty"`
	Responses   Responses    `json:"responses"`
}

// Parameter describes a single operation parameter.
type Parameter struct {
	Name        string `json:"name"`
	In          string `json:"in"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Schema      Schema `json:"schema"`
}

// RequestBody describes the request body.
type RequestBody struct {
	Required bool                 `json:"required"`
	Content  map[string]MediaType `json:"content"`
}

// MediaType is a media type object with an optional schema.
type MediaType struct {
	Schema *Schema `json:"schema,omitempty"`
}

// Responses maps HTTP status codes to response objects.
type Responses map[string]Response

// Response describes a single response.
type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// Components holds the reusable entity schemas.
type Components struct {
	Schemas map[string]Schema `json:"schemas"`
}

// Schema is the subset of JSON Schema the generator emits.
type Schema struct {
	Type       string            `json:"type,omitempty"`
	Format     string            `json:"format,omitempty"`
	Properties map[string]Schema `json:"properties,omitempty"`
	Items      *Schema           `json:"items,omitempty"`
	Ref        string            `json:"$ref,omitempty"`
	Nullable   bool              `json:"nullable,omitempty"`
}

// columnTypes maps declared column types to OpenAPI primitives;
// unrecognized types document as plain strings rather than failing
// generation.
var columnTypes = map[string]Schema{
	"string":   {Type: "string"},
	"text":     {Type: "string"},
	"uuid":     {Type: "string", Format: "uuid"},
	"integer":  {Type: "integer"},
	"int":      {Type: "integer"},
	"bigint":   {Type: "integer", Format: "int64"},
	"number":   {Type: "number"},
	"float":    {Type: "number"},
	"decimal":  {Type: "number"},
	"boolean":  {Type: "boolean"},
	"date":     {Type: "string", Format: "date"},
	"datetime": {Type: "string", Format: "date-time"},
}

// Generate introspects the registry and emits one path pair and one
// schema per registered entity. A single entity failing to generate is
// logged and skipped, never fatal to the whole document.
func Generate(reg *registry.Registry, title, version string, logger zerolog.Logger) *Document {
	doc := &Document{
		OpenAPI: "3.0.3",
		Info:    Info{Title: title, Version: version},
		Paths:   map[string]PathItem{},
		Components: Components{
			Schemas: map[string]Schema{},
		},
	}

	for _, e := range reg.Entities() {
		schema, err := entitySchema(reg, e)
		if err != nil {
			logger.Warn().Err(err).Str("entity", e.Name).Msg("skipping entity in generated documentation")
			continue
		}

		doc.Components.Schemas[e.Name] = schema

		collection := "/" + e.Slug
		item := collection + "/{id}"

		doc.Paths[collection] = PathItem{
			"get":  listOperation(e),
			"post": createOperation(e),
		}
		doc.Paths[item] = PathItem{
			"get":    showOperation(e),
			"put":    updateOperation(e),
			"delete": deleteOperation(e),
		}
	}

	return doc
}

func entitySchema(reg *registry.Registry, e *resources.Entity) (Schema, error) {
	schema := Schema{
		Type:       "object",
		Properties: map[string]Schema{},
	}

	schema.Properties[e.Key()] = Schema{Type: "string", Format: "uuid"}

	for _, field := range e.Fillable {
		declared := e.Fields[field]
		prop, known := columnTypes[declared]
		if !known {
			prop = Schema{Type: "string"}
		}
		schema.Properties[field] = prop
	}

	for _, rel := range e.Relations {
		related, err := reg.Related(rel)
		if err != nil {
			return Schema{}, fmt.Errorf("relation %q points at unregistered resource %q", rel.Name, rel.Resource)
		}

		ref := Schema{Ref: "#/components/schemas/" + related.Name}
		if rel.Cardinality == resources.One {
			schema.Properties[rel.Name] = ref
		} else {
			schema.Properties[rel.Name] = Schema{Type: "array", Items: &ref}
		}
	}

	if e.Timestamps {
		schema.Properties["created_at"] = Schema{Type: "string", Format: "date-time"}
		schema.Properties["updated_at"] = Schema{Type: "string", Format: "date-time"}
	}
	if e.SoftDelete {
		schema.Properties["deleted_at"] = Schema{Type: "string", Format: "date-time", Nullable: true}
	}

	return schema, nil
}

func ref(e *resources.Entity) *Schema {
	return &Schema{Ref: "#/components/schemas/" + e.Name}
}

func listOperation(e *resources.Entity) Operation {
	return Operation{
		Summary:     fmt.Sprintf("List %s", e.Slug),
		OperationID: "list-" + e.Slug,
		Tags:        []string{e.Name},
		Parameters: []Parameter{
			{Name: "filter", In: "query", Description: "filter[field]=value or filter[field][operator]=value", Schema: Schema{Type: "object"}},
			{Name: "sort", In: "query", Description: "comma separated fields, - prefix for descending", Schema: Schema{Type: "string"}},
			{Name: "page", In: "query", Schema: Schema{Type: "integer"}},
			{Name: "per_page", In: "query", Schema: Schema{Type: "integer"}},
			{Name: "include", In: "query", Description: "comma separated relation names", Schema: Schema{Type: "string"}},
			{Name: "fields", In: "query", Description: "comma separated field names", Schema: Schema{Type: "string"}},
		},
		Responses: Responses{
			"200": {
				Description: "Successful response",
				Content: map[string]MediaType{
					"application/json": {Schema: &Schema{Type: "array", Items: ref(e)}},
				},
			},
		},
	}
}

func createOperation(e *resources.Entity) Operation {
	return Operation{
		Summary:     fmt.Sprintf("Create a %s", e.Name),
		OperationID: "create-" + e.Slug,
		Tags:        []string{e.Name},
		RequestBody: &RequestBody{
			Required: true,
			Content:  map[string]MediaType{"application/json": {Schema: ref(e)}},
		},
		Responses: Responses{
			"201": {
				Description: "Created",
				Content:     map[string]MediaType{"application/json": {Schema: ref(e)}},
			},
			"422": {Description: "Validation failed"},
		},
	}
}

func showOperation(e *resources.Entity) Operation {
	return Operation{
		Summary:     fmt.Sprintf("Retrieve a %s", e.Name),
		OperationID: "show-" + e.Slug,
		Tags:        []string{e.Name},
		Parameters:  []Parameter{idParameter()},
		Responses: Responses{
			"200": {
				Description: "Successful response",
				Content:     map[string]MediaType{"application/json": {Schema: ref(e)}},
			},
			"404": {Description: "Not found"},
		},
	}
}

func updateOperation(e *resources.Entity) Operation {
	return Operation{
		Summary:     fmt.Sprintf("Update a %s", e.Name),
		OperationID: "update-" + e.Slug,
		Tags:        []string{e.Name},
		Parameters:  []Parameter{idParameter()},
		RequestBody: &RequestBody{
			Required: true,
			Content:  map[string]MediaType{"application/json": {Schema: ref(e)}},
		},
		Responses: Responses{
			"200": {
				Description: "Updated",
				Content:     map[string]MediaType{"application/json": {Schema: ref(e)}},
			},
			"404": {Description: "Not found"},
			"422": {Description: "Validation failed"},
		},
	}
}

func deleteOperation(e *resources.Entity) Operation {
	return Operation{
		Summary:     fmt.Sprintf("Delete a %s", e.Name),
		OperationID: "delete-" + e.Slug,
		Tags:        []string{e.Name},
		Parameters:  []Parameter{idParameter()},
		Responses: Responses{
			"200": {Description: "Deleted"},
			"404": {Description: "Not found"},
			"409": {Description: "Blocked by dependent records"},
		},
	}
}

func idParameter() Parameter {
	return Parameter{
		Name:     "id",
		In:       "path",
		Required: true,
		Schema:   Schema{Type: "string"},
	}
}
