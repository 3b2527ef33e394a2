package resources

// Operator is a filter comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpLike        Operator = "like"
	OpIn          Operator = "in"
	OpNotIn       Operator = "notIn"
	OpBetween     Operator = "between"
	OpNotBetween  Operator = "notBetween"
	OpNull        Operator = "null"
	OpNotNull     Operator = "notNull"
	OpDateCompare Operator = "dateCompare"
)

// KnownOperator reports whether op is part of the filter vocabulary.
func KnownOperator(op Operator) bool {
	switch op {
	case OpEq, OpGt, OpGte, OpLt, OpLte, OpLike, OpIn, OpNotIn,
		OpBetween, OpNotBetween, OpNull, OpNotNull, OpDateCompare:
		return true
	}
	return false
}

// Filter constrains a query on a field path. Paths may cross a declared
// relation with dot notation ("category.name"). Multiple filters on the
// same path combine with AND.
type Filter struct {
	Path     string
	Operator Operator
	Value    any
}

// Sort orders a query on a field path. The first entry is the primary
// sort key; ties always break on the primary key ascending.
type Sort struct {
	Path       string
	Descending bool
}

// ListOptions carries everything a list request can ask for.
type ListOptions struct {
	Filters     []Filter
	Sorts       []Sort
	Page        int
	PerPage     int
	Include     []string
	Fields      []string
	WithTrashed bool
	OnlyTrashed bool
}

// ReadOptions carries the read modifiers for a single-instance fetch.
type ReadOptions struct {
	Include     []string
	Fields      []string
	WithTrashed bool
}

// WriteOptions carries the write modifiers for store and update.
type WriteOptions struct {
	// AvoidDuplicates turns a create into an update of an existing row
	// matching the entity's unique fields.
	AvoidDuplicates bool
	Include         []string
}

// DeleteOptions carries the delete modifiers.
type DeleteOptions struct {
	// Force hard-deletes an entity that otherwise soft-deletes.
	Force bool
}

// PageMeta is the pagination block attached to list responses.
type PageMeta struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
	From        int `json:"from"`
	To          int `json:"to"`
}

// NewPageMeta computes the standard page metadata for a result window.
func NewPageMeta(page, perPage, total, windowSize int) PageMeta {
	lastPage := 1
	if perPage > 0 {
		lastPage = (total + perPage - 1) / perPage
		if lastPage < 1 {
			lastPage = 1
		}
	}

	from, to := 0, 0
	if windowSize > 0 {
		from = (page-1)*perPage + 1
		to = from + windowSize - 1
	}

	return PageMeta{
		CurrentPage: page,
		PerPage:     perPage,
		Total:       total,
		LastPage:    lastPage,
		From:        from,
		To:          to,
	}
}

// ListResult is a page of records plus its pagination metadata.
type ListResult struct {
	Items []Record
	Meta  PageMeta
}
