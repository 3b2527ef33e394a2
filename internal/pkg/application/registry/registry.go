package registry

import (
	"fmt"

	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

// Registry resolves URL resource segments to entity descriptors. It is
// built once at startup from the entities the application registers and
// is read-only afterwards; a changed entity set requires a wholesale
// rebuild via New, never an in-place patch.
type Registry struct {
	bySlug map[string]*resources.Entity
	byName map[string]*resources.Entity
	order  []string
}

// New builds a registry from the given entity descriptors. Two entities
// mapping to the same resource slug is a configuration error.
func New(entities ...*resources.Entity) (*Registry, error) {
	r := &Registry{
		bySlug: map[string]*resources.Entity{},
		byName: map[string]*resources.Entity{},
	}

	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity with table %q has no name", e.Table)
		}

		slug := e.Slug
		if slug == "" {
			slug = SlugFromName(e.Name)
		}

		if conflict, exists := r.bySlug[slug]; exists {
			return nil, fmt.Errorf("resource slug %q claimed by both %s and %s", slug, conflict.Name, e.Name)
		}
		if _, exists := r.byName[e.Name]; exists {
			return nil, fmt.Errorf("entity %s registered twice", e.Name)
		}

		stored := *e
		stored.Slug = slug

		r.bySlug[slug] = &stored
		r.byName[e.Name] = &stored
		r.order = append(r.order, slug)
	}

	return r, nil
}

// Resolve returns the entity registered for the given resource segment.
func (r *Registry) Resolve(slug string) (*resources.Entity, error) {
	e, ok := r.bySlug[slug]
	if !ok {
		return nil, errors.NewInvalidResourceError(slug)
	}
	return e, nil
}

// ResolveName returns the entity registered under the given type name.
func (r *Registry) ResolveName(name string) (*resources.Entity, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, errors.NewInvalidResourceError(name)
	}
	return e, nil
}

// Related resolves the entity a relation points at, accepting either a
// resource slug or a type name in the relation declaration.
func (r *Registry) Related(rel resources.Relation) (*resources.Entity, error) {
	if e, ok := r.bySlug[rel.Resource]; ok {
		return e, nil
	}
	if e, ok := r.byName[rel.Resource]; ok {
		return e, nil
	}
	return nil, errors.NewInvalidResourceError(rel.Resource)
}

// Entities returns all registered entities in registration order.
func (r *Registry) Entities() []*resources.Entity {
	out := make([]*resources.Entity, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.bySlug[slug])
	}
	return out
}
