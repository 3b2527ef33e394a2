package registry

import (
	"strings"
	"unicode"
)

// SlugFromName derives the URL segment for a type name by pluralizing it
// and converting to kebab case: "ProductCategory" -> "product-categories".
func SlugFromName(name string) string {
	return kebabCase(pluralize(name))
}

func pluralize(name string) string {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, "s"),
		strings.HasSuffix(lower, "x"),
		strings.HasSuffix(lower, "z"),
		strings.HasSuffix(lower, "ch"),
		strings.HasSuffix(lower, "sh"):
		return name + "es"
	case strings.HasSuffix(lower, "y") && len(name) > 1 && !isVowel(rune(lower[len(lower)-2])):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}

func isVowel(r rune) bool {
	return strings.ContainsRune("aeiou", r)
}

func kebabCase(name string) string {
	var b strings.Builder

	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// word boundary unless at start or inside an acronym run
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteRune('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}

		if r == ' ' || r == '_' {
			b.WriteRune('-')
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
