package configutil

import (
	"slices"
	"strings"
)

// Schema lists the keys a vendor settings block may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem in a settings block at once.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema and returns a *SettingsError
// when a required key is absent or blank, or when a key is not declared.
// Key comparison ignores case, underscores and hyphens.
func ValidateSettings(input map[string]any, schema Schema) error {
	declared := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		declared[normalizeKey(k)] = false
	}
	for _, k := range schema.Required {
		declared[normalizeKey(k)] = true
	}

	present := make(map[string]any, len(input))
	serr := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := declared[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		v, ok := present[normalizeKey(k)]
		if !ok || blank(v) {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	slices.Sort(serr.Missing)
	slices.Sort(serr.Unknown)
	return serr
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
