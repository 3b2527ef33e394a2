package errors

import (
	goerrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Is reports whether err matches target, so callers switching on the
// taxonomy need only this package.
func Is(err, target error) bool { return goerrors.Is(err, target) }

var ErrInvalidResource = fmt.Errorf("invalid resource")
var ErrInvalidRequest = fmt.Errorf("invalid request")
var ErrInvalidFilter = fmt.Errorf("invalid filter")
var ErrValidation = fmt.Errorf("validation failed")
var ErrNotFound = fmt.Errorf("not found")
var ErrDependencyConstraint = fmt.Errorf("dependency constraint violation")
var ErrAmbiguousMatch = fmt.Errorf("ambiguous search match")
var ErrNoMatch = fmt.Errorf("no search match")
var ErrInternal = fmt.Errorf("internal error")

type resourceError struct {
	msg     string
	target  error
	details any
}

func (e *resourceError) Error() string        { return e.msg }
func (e *resourceError) Is(target error) bool { return target == e.target }

// Details returns the structured details attached to a taxonomy error,
// or nil when the error carries none.
func Details(err error) any {
	if re, ok := err.(*resourceError); ok {
		return re.details
	}
	return nil
}

func NewInvalidResourceError(resource string) error {
	return &resourceError{
		msg:    fmt.Sprintf("unknown resource %q", resource),
		target: ErrInvalidResource,
	}
}

func NewInvalidRequestError(msg string) error {
	return &resourceError{
		msg:    msg,
		target: ErrInvalidRequest,
	}
}

func NewInvalidFilterError(msg string) error {
	return &resourceError{
		msg:    msg,
		target: ErrInvalidFilter,
	}
}

// NewValidationError carries per-field failure messages as details.
func NewValidationError(failures map[string][]string) error {
	fields := make([]string, 0, len(failures))
	for f := range failures {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return &resourceError{
		msg:     fmt.Sprintf("validation failed for %s", strings.Join(fields, ", ")),
		target:  ErrValidation,
		details: failures,
	}
}

func NewNotFoundError(msg string) error {
	return &resourceError{
		msg:    msg,
		target: ErrNotFound,
	}
}

func NewDependencyConstraintError(msg string) error {
	return &resourceError{
		msg:    msg,
		target: ErrDependencyConstraint,
	}
}

// NewAmbiguousMatchError reports a relation search directive that matched
// more than one candidate; the candidate identifiers travel as details.
func NewAmbiguousMatchError(relation string, candidates []string) error {
	return &resourceError{
		msg:     fmt.Sprintf("search for relation %q matched %d candidates", relation, len(candidates)),
		target:  ErrAmbiguousMatch,
		details: map[string]any{"relation": relation, "candidates": candidates},
	}
}

func NewNoMatchError(relation string) error {
	return &resourceError{
		msg:    fmt.Sprintf("search for relation %q matched nothing", relation),
		target: ErrNoMatch,
	}
}

func NewInternalError(msg string) error {
	return &resourceError{
		msg:    msg,
		target: ErrInternal,
	}
}
