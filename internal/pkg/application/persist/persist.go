package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/diwise/resource-broker/internal/pkg/application/registry"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

// BatchSize bounds the working set when a relation payload carries a
// large number of items; batching never changes the persisted result.
const BatchSize = 1000

// searchKey marks a relation item as a directive to look up an existing
// row instead of saving one.
const searchKey = "search"

// itemsKey and replaceKey form the explicit replacement wrapper for
// one/many relations: {"items": [...], "replace": true}.
const itemsKey = "items"
const replaceKey = "replace"

// Engine saves an entity together with its nested relation payloads. It
// never opens a transaction of its own; every save runs on the ambient
// transaction handed in by the caller so a failed nested save rolls the
// whole tree back.
type Engine struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Engine {
	return &Engine{reg: reg}
}

// SaveWithRelations splits the payload into fillable scalar attributes
// and relation payloads, saves the scalars (as an update of existing, of
// a locked unique-field match when avoidDuplicates is set, or as an
// insert), then recursively saves each relation payload in declaration
// order.
func (p *Engine) SaveWithRelations(ctx context.Context, tx storage.Tx, e *resources.Entity, payload resources.Record, existing resources.Record, avoidDuplicates bool) (resources.Record, error) {
	scalars := resources.Record{}
	for k, v := range payload {
		if e.IsFillable(k) {
			scalars[k] = v
		}
	}

	rec, err := p.saveScalars(ctx, tx, e, scalars, existing, avoidDuplicates)
	if err != nil {
		return nil, err
	}

	for _, rel := range e.Relations {
		relPayload, present := payload[rel.Name]
		if !present {
			continue
		}

		if err := p.saveRelation(ctx, tx, e, rec, rel, relPayload, avoidDuplicates); err != nil {
			return nil, err
		}
	}

	return rec, nil
}

func (p *Engine) saveScalars(ctx context.Context, tx storage.Tx, e *resources.Entity, scalars, existing resources.Record, avoidDuplicates bool) (resources.Record, error) {
	key := e.Key()
	now := time.Now().UTC()

	if existing == nil && avoidDuplicates {
		match := resources.Record{}
		for _, f := range e.UniqueFields {
			// absent unique fields do not restrict the match
			if v, ok := scalars[f]; ok {
				match[f] = v
			}
		}

		if len(match) > 0 {
			found, err := tx.LockMatch(ctx, e.Table, key, match)
			if err != nil && err != storage.ErrNoRows {
				return nil, err
			}
			if found != nil {
				existing = found
			}
		}
	}

	if existing != nil {
		attrs := scalars.Clone()
		if e.Timestamps {
			attrs["updated_at"] = now
		}

		if err := tx.Update(ctx, e.Table, key, existing[key], attrs); err != nil {
			return nil, err
		}

		rec := existing.Clone()
		for k, v := range attrs {
			rec[k] = v
		}
		return rec, nil
	}

	rec := scalars.Clone()
	if rec[key] == nil {
		rec[key] = uuid.NewString()
	}
	if e.Timestamps {
		rec["created_at"] = now
		rec["updated_at"] = now
	}
	if e.SoftDelete {
		rec["deleted_at"] = nil
	}

	if err := tx.Insert(ctx, e.Table, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func (p *Engine) saveRelation(ctx context.Context, tx storage.Tx, e *resources.Entity, parent resources.Record, rel resources.Relation, relPayload any, avoidDuplicates bool) error {
	related, err := p.reg.Related(rel)
	if err != nil {
		return err
	}

	items, replace, err := normalizeItems(rel, relPayload)
	if err != nil {
		return err
	}

	var relatedIDs []any

	for start := 0; start < len(items); start += BatchSize {
		end := start + BatchSize
		if end > len(items) {
			end = len(items)
		}

		for _, item := range items[start:end] {
			id, err := p.saveItem(ctx, tx, related, rel, item, avoidDuplicates)
			if err != nil {
				return err
			}
			relatedIDs = append(relatedIDs, id)
		}
	}

	key := e.Key()

	switch rel.Cardinality {
	case resources.One:
		var fk any
		if len(relatedIDs) > 0 {
			fk = relatedIDs[len(relatedIDs)-1]
		}

		if err := tx.Update(ctx, e.Table, key, parent[key], resources.Record{rel.ForeignKey: fk}); err != nil {
			return err
		}
		parent[rel.ForeignKey] = fk

	case resources.Many:
		for _, id := range relatedIDs {
			err := tx.Update(ctx, related.Table, related.Key(), id, resources.Record{rel.OwnerKey: parent[key]})
			if err != nil {
				return err
			}
		}

		// children absent from the payload stay associated unless the
		// caller explicitly asked for replacement
		if replace {
			if err := tx.DetachOthers(ctx, related.Table, related.Key(), rel.OwnerKey, parent[key], relatedIDs); err != nil {
				return err
			}
		}

	case resources.ManyToMany:
		err := tx.SyncPivot(ctx, storage.PivotConstraint{
			Table:      rel.PivotTable,
			OwnerKey:   rel.PivotOwnerKey,
			RelatedKey: rel.PivotRelatedKey,
			OwnerID:    parent[key],
		}, relatedIDs)
		if err != nil {
			return err
		}
	}

	return nil
}

// saveItem persists one relation item, resolving search directives to
// existing rows instead of saving.
func (p *Engine) saveItem(ctx context.Context, tx storage.Tx, related *resources.Entity, rel resources.Relation, item resources.Record, avoidDuplicates bool) (any, error) {
	if criteria, ok := searchCriteria(item); ok {
		return p.resolveSearch(ctx, tx, related, rel, criteria)
	}

	saved, err := p.SaveWithRelations(ctx, tx, related, item, nil, avoidDuplicates)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s item for relation %q: %w", related.Name, rel.Name, err)
	}

	return saved[related.Key()], nil
}

func (p *Engine) resolveSearch(ctx context.Context, tx storage.Tx, related *resources.Entity, rel resources.Relation, criteria resources.Record) (any, error) {
	matches, err := tx.Match(ctx, related.Table, related.Key(), criteria, 10)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, errors.NewNoMatchError(rel.Name)
	case 1:
		return matches[0][related.Key()], nil
	}

	candidates := make([]string, len(matches))
	for i, m := range matches {
		candidates[i] = fmt.Sprintf("%v", m[related.Key()])
	}
	return nil, errors.NewAmbiguousMatchError(rel.Name, candidates)
}

func searchCriteria(item resources.Record) (resources.Record, bool) {
	raw, ok := item[searchKey]
	if !ok {
		return nil, false
	}

	criteria, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}

	return resources.Record(criteria), true
}

// normalizeItems accepts a single object, a list of objects, or the
// explicit replacement wrapper and returns a uniform item list.
func normalizeItems(rel resources.Relation, relPayload any) ([]resources.Record, bool, error) {
	switch v := relPayload.(type) {
	case map[string]any:
		if rawItems, ok := v[itemsKey]; ok {
			replace, _ := v[replaceKey].(bool)
			items, _, err := normalizeItems(rel, rawItems)
			return items, replace, err
		}
		return []resources.Record{resources.Record(v)}, false, nil
	case resources.Record:
		return normalizeItems(rel, map[string]any(v))
	case []any:
		items := make([]resources.Record, 0, len(v))
		for _, raw := range v {
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, false, errors.NewInvalidFilterError(fmt.Sprintf("relation %q items must be objects", rel.Name))
			}
			items = append(items, resources.Record(obj))
		}
		return items, false, nil
	case nil:
		return nil, false, nil
	}

	return nil, false, errors.NewInvalidFilterError(fmt.Sprintf("relation %q payload must be an object or a list", rel.Name))
}
