package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/diwise/resource-broker/internal/pkg/application/registry"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

const (
	DefaultPerPage    = 15
	DefaultMaxPerPage = 100
)

// Build translates validated list options into a backend-neutral storage
// query for the given entity. Unknown field paths and operators are
// rejected rather than ignored, filters on one path combine with AND,
// and the entity's primary key is always appended ascending as the final
// sort key so pagination stays deterministic.
func Build(reg *registry.Registry, e *resources.Entity, opts resources.ListOptions, maxPerPage int) (storage.Query, error) {
	q := storage.Query{
		Table:       e.Table,
		Key:         e.Key(),
		SoftDelete:  e.SoftDelete,
		WithTrashed: opts.WithTrashed,
		OnlyTrashed: opts.OnlyTrashed,
	}

	joins := map[string]storage.Join{}

	for _, f := range opts.Filters {
		if !resources.KnownOperator(f.Operator) {
			return q, errors.NewInvalidFilterError(fmt.Sprintf("unknown filter operator %q", f.Operator))
		}

		alias, column, err := resolvePath(reg, e, f.Path, joins)
		if err != nil {
			return q, err
		}

		value, err := normalizeValue(f)
		if err != nil {
			return q, err
		}

		q.Conditions = append(q.Conditions, storage.Condition{
			Alias:    alias,
			Column:   column,
			Operator: f.Operator,
			Value:    value,
		})
	}

	sortsJoinToMany := false
	for _, s := range opts.Sorts {
		alias, column, err := resolvePath(reg, e, s.Path, joins)
		if err != nil {
			return q, err
		}

		if alias != "" {
			if rel, ok := e.Relation(alias); ok && rel.Cardinality != resources.One {
				sortsJoinToMany = true
			}
		}

		q.Order = append(q.Order, storage.Order{
			Alias:      alias,
			Column:     column,
			Descending: s.Descending,
		})
	}

	// deterministic tie break
	q.Order = append(q.Order, storage.Order{Column: e.Key()})
	q.Dedupe = sortsJoinToMany || len(joins) > 0

	for _, j := range joins {
		q.Joins = append(q.Joins, j)
	}

	q.Page, q.PerPage = ClampPage(opts.Page, opts.PerPage, maxPerPage)

	return q, nil
}

// ClampPage applies the pagination defaults and the per-page cap.
func ClampPage(page, perPage, maxPerPage int) (int, int) {
	if maxPerPage <= 0 {
		maxPerPage = DefaultMaxPerPage
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

// resolvePath validates a field path against the entity, registering a
// join when the path crosses a declared relation.
func resolvePath(reg *registry.Registry, e *resources.Entity, path string, joins map[string]storage.Join) (alias, column string, err error) {
	segments := strings.Split(path, ".")

	switch len(segments) {
	case 1:
		if !e.HasField(segments[0]) {
			return "", "", errors.NewInvalidFilterError(fmt.Sprintf("unknown field %q on %s", segments[0], e.Name))
		}
		return "", segments[0], nil
	case 2:
		rel, ok := e.Relation(segments[0])
		if !ok {
			return "", "", errors.NewInvalidFilterError(fmt.Sprintf("unknown relation %q on %s", segments[0], e.Name))
		}

		related, rerr := reg.Related(rel)
		if rerr != nil {
			return "", "", errors.NewInvalidFilterError(fmt.Sprintf("relation %q points at unregistered resource %q", rel.Name, rel.Resource))
		}

		if !related.HasField(segments[1]) {
			return "", "", errors.NewInvalidFilterError(fmt.Sprintf("unknown field %q on %s", segments[1], related.Name))
		}

		if _, exists := joins[rel.Name]; !exists {
			joins[rel.Name] = storage.Join{
				Relation: rel,
				Table:    related.Table,
				Key:      related.Key(),
				Alias:    rel.Name,
			}
		}

		return rel.Name, segments[1], nil
	}

	return "", "", errors.NewInvalidFilterError(fmt.Sprintf("field path %q is nested too deeply", path))
}

// normalizeValue checks operator/value shape compatibility up front so
// both storage engines can assume well-formed conditions.
func normalizeValue(f resources.Filter) (any, error) {
	switch f.Operator {
	case resources.OpIn, resources.OpNotIn:
		list, ok := toList(f.Value)
		if !ok {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("%s on %q requires a list of values", f.Operator, f.Path))
		}
		return dedupeList(list), nil
	case resources.OpBetween, resources.OpNotBetween:
		list, ok := toList(f.Value)
		if !ok || len(list) != 2 {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("%s on %q requires exactly two values", f.Operator, f.Path))
		}
		if descendingBounds(list[0], list[1]) {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("%s on %q requires ordered bounds", f.Operator, f.Path))
		}
		return list, nil
	case resources.OpNull, resources.OpNotNull:
		return nil, nil
	}
	return f.Value, nil
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case string:
		parts := strings.Split(list, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, true
	}
	return nil, false
}

func dedupeList(list []any) []any {
	seen := map[string]bool{}
	out := make([]any, 0, len(list))
	for _, v := range list {
		k := fmt.Sprintf("%v", v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func descendingBounds(low, high any) bool {
	if lf, lok := asFloat(low); lok {
		if hf, hok := asFloat(high); hok {
			return lf > hf
		}
	}

	ls, lok := low.(string)
	hs, hok := high.(string)
	if lok && hok {
		return ls > hs
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
