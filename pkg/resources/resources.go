package resources

// Cardinality describes how an entity relates to another entity.
type Cardinality string

const (
	// One means the owner holds a foreign key to a single related row.
	One Cardinality = "one"
	// Many means related rows hold a foreign key back to the owner.
	Many Cardinality = "many"
	// ManyToMany means the association lives in a pivot table.
	ManyToMany Cardinality = "many-to-many"
)

// Relation declares an association between two registered entities.
type Relation struct {
	Name     string
	Resource string
	Cardinality

	// ForeignKey is the column on the owner row holding the related id
	// (cardinality One).
	ForeignKey string
	// OwnerKey is the column on the related row holding the owner id
	// (cardinality Many).
	OwnerKey string

	// Pivot settings (cardinality ManyToMany).
	PivotTable      string
	PivotOwnerKey   string
	PivotRelatedKey string
	PivotFields     []string
}

// Action identifies which ruleset an operation should validate against.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Entity describes a data model exposed through the API. Instances are
// registered once at startup and treated as read-only afterwards.
type Entity struct {
	// Name is the entity's type name, e.g. "Product".
	Name string
	// Slug overrides the URL segment derived from Name.
	Slug string
	// Table is the backing table or collection name.
	Table string
	// PrimaryKey column, "id" when empty.
	PrimaryKey string

	// Fields maps column names to their declared types. Recognized types:
	// string, text, uuid, integer, bigint, number, decimal, boolean,
	// date, datetime. Unknown types are passed through and documented as
	// strings.
	Fields map[string]string

	// Fillable lists the columns a client may set. Unknown payload keys
	// are dropped, not rejected.
	Fillable []string

	Relations []Relation

	// UniqueFields participate in duplicate avoidance: when a create runs
	// with avoid_duplicates, an existing row matching every unique field
	// present in the payload is updated instead.
	UniqueFields []string

	// SoftDelete marks deletes as reversible via a deleted_at column.
	SoftDelete bool

	// Timestamps maintains created_at/updated_at columns automatically.
	Timestamps bool

	// DefaultIncludes are relations loaded on every read even when the
	// request names none.
	DefaultIncludes []string

	// Rules returns the validation ruleset for the given action. May be
	// nil for entities without validation.
	Rules func(action Action) Ruleset

	// Hooks are optional lifecycle callbacks, see Hooks.
	Hooks *Hooks
}

// Key returns the primary key column name.
func (e *Entity) Key() string {
	if e.PrimaryKey == "" {
		return "id"
	}
	return e.PrimaryKey
}

// Relation returns the named relation declaration, if any.
func (e *Entity) Relation(name string) (Relation, bool) {
	for _, r := range e.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// IsFillable reports whether clients may write the given column.
func (e *Entity) IsFillable(name string) bool {
	for _, f := range e.Fillable {
		if f == name {
			return true
		}
	}
	return false
}

// HasField reports whether the column is part of the entity, including
// the primary key and maintained timestamp columns.
func (e *Entity) HasField(name string) bool {
	if name == e.Key() {
		return true
	}
	if _, ok := e.Fields[name]; ok {
		return true
	}
	if e.Timestamps && (name == "created_at" || name == "updated_at") {
		return true
	}
	if e.SoftDelete && name == "deleted_at" {
		return true
	}
	return false
}

// Record is a single entity instance as a generic attribute map.
type Record map[string]any

// ID returns the record's value for the given primary key column.
func (r Record) ID(key string) any {
	return r[key]
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
