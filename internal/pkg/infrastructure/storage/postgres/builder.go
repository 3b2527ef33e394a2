package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
)

// buildSelect renders a storage.Query as a SELECT statement. When the
// query joins or asks for dedup, root rows are collapsed to their first
// occurrence with a window function so pagination never sees duplicate
// primary keys.
func buildSelect(q storage.Query) (string, []any, error) {
	key := q.Key
	if key == "" {
		key = "id"
	}

	var args []any

	where, err := buildWhere(q, &args)
	if err != nil {
		return "", nil, err
	}

	orderExprs := buildOrder(q, key)
	from := buildFrom(q)

	if len(q.Joins) == 0 && !q.Dedupe {
		sql := fmt.Sprintf("SELECT t.* FROM %s%s ORDER BY %s", from, where, strings.Join(orderExprs, ", "))
		sql += buildLimit(q, &args)
		return sql, args, nil
	}

	// project the sort expressions so the outer query can re-order the
	// deduplicated rows without referencing joined tables
	sortCols := make([]string, 0, len(orderExprs))
	outerOrder := make([]string, 0, len(orderExprs))
	for i, expr := range orderExprs {
		parts := strings.SplitN(expr, " ", 2)
		alias := fmt.Sprintf("__sort%d", i)
		sortCols = append(sortCols, fmt.Sprintf("%s AS %s", parts[0], alias))
		outerOrder = append(outerOrder, alias+" "+parts[1])
	}

	inner := fmt.Sprintf(
		"SELECT t.*, %s, ROW_NUMBER() OVER (PARTITION BY t.%s ORDER BY %s) AS __rownum FROM %s%s",
		strings.Join(sortCols, ", "), key, strings.Join(orderExprs, ", "), from, where,
	)

	sql := fmt.Sprintf("SELECT * FROM (%s) AS deduped WHERE __rownum = 1 ORDER BY %s",
		inner, strings.Join(outerOrder, ", "))
	sql += buildLimit(q, &args)

	return sql, args, nil
}

// buildCount renders the matching total as a distinct primary key count.
func buildCount(q storage.Query) (string, []any, error) {
	key := q.Key
	if key == "" {
		key = "id"
	}

	var args []any
	where, err := buildWhere(q, &args)
	if err != nil {
		return "", nil, err
	}

	return fmt.Sprintf("SELECT COUNT(DISTINCT t.%s) FROM %s%s", key, buildFrom(q), where), args, nil
}

func buildFrom(q storage.Query) string {
	key := q.Key
	if key == "" {
		key = "id"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s AS t", q.Table)

	for _, j := range q.Joins {
		rel := j.Relation
		switch rel.Cardinality {
		case resources.One:
			fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON t.%s = %s.%s",
				j.Table, j.Alias, rel.ForeignKey, j.Alias, j.Key)
		case resources.Many:
			fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON %s.%s = t.%s",
				j.Table, j.Alias, j.Alias, rel.OwnerKey, key)
		case resources.ManyToMany:
			pivotAlias := j.Alias + "_pivot"
			fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON %s.%s = t.%s",
				rel.PivotTable, pivotAlias, pivotAlias, rel.PivotOwnerKey, key)
			fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON %s.%s = %s.%s",
				j.Table, j.Alias, j.Alias, j.Key, pivotAlias, rel.PivotRelatedKey)
		}
	}

	return b.String()
}

func buildWhere(q storage.Query, args *[]any) (string, error) {
	key := q.Key
	if key == "" {
		key = "id"
	}

	var clauses []string

	for _, c := range q.Conditions {
		col := "t." + c.Column
		if c.Alias != "" {
			col = c.Alias + "." + c.Column
		}

		clause, err := buildCondition(col, c, args)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	if q.Pivot != nil {
		*args = append(*args, q.Pivot.OwnerID)
		clauses = append(clauses, fmt.Sprintf("t.%s IN (SELECT %s FROM %s WHERE %s = $%d)",
			key, q.Pivot.RelatedKey, q.Pivot.Table, q.Pivot.OwnerKey, len(*args)))
	}

	if q.SoftDelete {
		if q.OnlyTrashed {
			clauses = append(clauses, "t.deleted_at IS NOT NULL")
		} else if !q.WithTrashed {
			clauses = append(clauses, "t.deleted_at IS NULL")
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), nil
}

func buildCondition(col string, c storage.Condition, args *[]any) (string, error) {
	placeholder := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	switch c.Operator {
	case resources.OpEq:
		return fmt.Sprintf("%s = %s", col, placeholder(c.Value)), nil
	case resources.OpGt:
		return fmt.Sprintf("%s > %s", col, placeholder(c.Value)), nil
	case resources.OpGte:
		return fmt.Sprintf("%s >= %s", col, placeholder(c.Value)), nil
	case resources.OpLt:
		return fmt.Sprintf("%s < %s", col, placeholder(c.Value)), nil
	case resources.OpLte:
		return fmt.Sprintf("%s <= %s", col, placeholder(c.Value)), nil
	case resources.OpLike:
		pattern := fmt.Sprintf("%v", c.Value)
		if !strings.Contains(pattern, "%") {
			pattern = "%" + pattern + "%"
		}
		return fmt.Sprintf("%s ILIKE %s", col, placeholder(pattern)), nil
	case resources.OpIn:
		return fmt.Sprintf("%s = ANY(%s)", col, placeholder(c.Value)), nil
	case resources.OpNotIn:
		return fmt.Sprintf("NOT (%s = ANY(%s))", col, placeholder(c.Value)), nil
	case resources.OpBetween, resources.OpNotBetween:
		bounds, ok := c.Value.([]any)
		if !ok || len(bounds) != 2 {
			return "", fmt.Errorf("%s requires exactly two values", c.Operator)
		}
		expr := fmt.Sprintf("%s BETWEEN %s AND %s", col, placeholder(bounds[0]), placeholder(bounds[1]))
		if c.Operator == resources.OpNotBetween {
			expr = "NOT (" + expr + ")"
		}
		return expr, nil
	case resources.OpNull:
		return fmt.Sprintf("%s IS NULL", col), nil
	case resources.OpNotNull:
		return fmt.Sprintf("%s IS NOT NULL", col), nil
	case resources.OpDateCompare:
		return fmt.Sprintf("%s::date = %s::date", col, placeholder(c.Value)), nil
	}

	return "", fmt.Errorf("unsupported operator %q", c.Operator)
}

func buildOrder(q storage.Query, key string) []string {
	exprs := make([]string, 0, len(q.Order)+1)

	for _, o := range q.Order {
		col := "t." + o.Column
		if o.Alias != "" {
			col = o.Alias + "." + o.Column
		}
		dir := "ASC"
		if o.Descending {
			dir = "DESC"
		}
		exprs = append(exprs, col+" "+dir)
	}

	if len(exprs) == 0 {
		exprs = append(exprs, fmt.Sprintf("t.%s ASC", key))
	}

	return exprs
}

func buildLimit(q storage.Query, args *[]any) string {
	if q.Page <= 0 || q.PerPage <= 0 {
		return ""
	}

	*args = append(*args, q.PerPage)
	limit := fmt.Sprintf(" LIMIT $%d", len(*args))

	*args = append(*args, (q.Page-1)*q.PerPage)
	return limit + fmt.Sprintf(" OFFSET $%d", len(*args))
}

func buildInsert(table string, rec resources.Record) (string, []any) {
	cols := make([]string, 0, len(rec))
	for col := range rec {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[col]
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args
}

func buildUpdate(table, key string, id any, attrs resources.Record) (string, []any) {
	cols := make([]string, 0, len(attrs))
	for col := range attrs {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	assignments := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		args = append(args, attrs[col])
		assignments[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}

	args = append(args, id)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		table, strings.Join(assignments, ", "), key, len(args)), args
}

func buildMatch(table string, match resources.Record, limit int, lock bool) (string, []any) {
	cols := make([]string, 0, len(match))
	for col := range match {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	clauses := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		args = append(args, match[col])
		clauses[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}

	sql := fmt.Sprintf("SELECT * FROM %s", table)
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	if lock {
		sql += " FOR UPDATE"
	}

	return sql, args
}
