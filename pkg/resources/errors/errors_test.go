package errors

import (
	"fmt"
	"testing"

	"github.com/matryer/is"
)

func TestErrorsMatchTheirSentinels(t *testing.T) {
	is := is.New(t)

	is.True(Is(NewInvalidResourceError("widgets"), ErrInvalidResource))
	is.True(Is(NewInvalidFilterError("bad"), ErrInvalidFilter))
	is.True(Is(NewNotFoundError("gone"), ErrNotFound))
	is.True(Is(NewValidationError(map[string][]string{"name": {"is required"}}), ErrValidation))
	is.True(!Is(NewNotFoundError("gone"), ErrValidation))
}

func TestMatchingSurvivesWrapping(t *testing.T) {
	is := is.New(t)

	wrapped := fmt.Errorf("saving relation: %w", NewNoMatchError("category"))
	is.True(Is(wrapped, ErrNoMatch))
}

func TestValidationDetails(t *testing.T) {
	is := is.New(t)

	failures := map[string][]string{"name": {"is required"}, "price": {"must be at least 0"}}
	err := NewValidationError(failures)

	is.Equal(err.Error(), "validation failed for name, price") // fields are named in a stable order

	details, ok := Details(err).(map[string][]string)
	is.True(ok)
	is.Equal(details, failures)
}

func TestAmbiguousMatchCarriesCandidates(t *testing.T) {
	is := is.New(t)

	err := NewAmbiguousMatchError("tags", []string{"t-1", "t-2"})

	details, ok := Details(err).(map[string]any)
	is.True(ok)
	is.Equal(details["relation"], "tags")
	is.Equal(details["candidates"], []string{"t-1", "t-2"})

	is.Equal(Details(fmt.Errorf("plain")), nil) // plain errors carry no details
}
