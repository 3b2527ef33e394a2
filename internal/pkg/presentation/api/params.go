package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

// parseListOptions reads the query parameter surface: filter[field],
// filter[field][operator], sort, page, per_page, include, fields and
// the trashed switches.
func parseListOptions(values url.Values) (resources.ListOptions, error) {
	opts := resources.ListOptions{
		Page:        intParam(values, "page", 0),
		PerPage:     intParam(values, "per_page", 0),
		Include:     csvParam(values, "include"),
		Fields:      csvParam(values, "fields"),
		WithTrashed: boolParam(values, "with_trashed"),
		OnlyTrashed: boolParam(values, "only_trashed"),
	}

	filters, err := parseFilters(values)
	if err != nil {
		return opts, err
	}
	opts.Filters = filters

	opts.Sorts = parseSorts(values.Get("sort"))

	return opts, nil
}

func parseFilters(values url.Values) ([]resources.Filter, error) {
	var filters []resources.Filter

	for key, entries := range values {
		if !strings.HasPrefix(key, "filter[") {
			continue
		}

		segments, err := bracketSegments(key)
		if err != nil {
			return nil, err
		}

		field := segments[0]
		op := resources.OpEq
		if len(segments) == 2 {
			op = resources.Operator(segments[1])
		}
		if len(segments) > 2 {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("malformed filter parameter %q", key))
		}

		// repeated parameters combine with AND
		for _, raw := range entries {
			filters = append(filters, resources.Filter{
				Path:     field,
				Operator: op,
				Value:    raw,
			})
		}
	}

	return filters, nil
}

func bracketSegments(key string) ([]string, error) {
	rest := strings.TrimPrefix(key, "filter")

	var segments []string
	for rest != "" {
		if !strings.HasPrefix(rest, "[") {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("malformed filter parameter %q", key))
		}

		end := strings.Index(rest, "]")
		if end < 1 {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("malformed filter parameter %q", key))
		}

		segments = append(segments, rest[1:end])
		rest = rest[end+1:]
	}

	if len(segments) == 0 {
		return nil, errors.NewInvalidFilterError(fmt.Sprintf("malformed filter parameter %q", key))
	}

	return segments, nil
}

// parseSorts reads a comma separated sort expression where a leading -
// flips the direction: "name,-price".
func parseSorts(expr string) []resources.Sort {
	if expr == "" {
		return nil
	}

	var sorts []resources.Sort
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.HasPrefix(part, "-") {
			sorts = append(sorts, resources.Sort{Path: part[1:], Descending: true})
		} else {
			sorts = append(sorts, resources.Sort{Path: part})
		}
	}

	return sorts
}

func csvParam(values url.Values, name string) []string {
	raw := values.Get(name)
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(values url.Values, name string, fallback int) int {
	raw := values.Get(name)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func boolParam(values url.Values, name string) bool {
	raw := values.Get(name)
	return raw == "true" || raw == "1"
}
