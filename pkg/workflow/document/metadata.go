package document

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Metadata holds the top-level fields the store is allowed to rewrite in an
// authored document. Nil fields are left alone.
type Metadata struct {
	Version   *int
	CreatedAt *time.Time
	UpdatedAt *time.Time
	Active    *bool
}

// metadata fields in canonical document order, each with the anchors an
// insertion may attach to, nearest predecessor first.
var metadataOrder = []struct {
	name    string
	anchors []string
}{
	{"version", []string{"id"}},
	{"createdAt", []string{"version", "id"}},
	{"updatedAt", []string{"createdAt", "version", "id"}},
	{"active", []string{"updatedAt", "createdAt", "version", "id"}},
}

var topLevelField = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*):`)

// UpdateMetadata rewrites the version, createdAt, updatedAt and active lines
// of a workflow document without touching anything else: comments, field
// order and whitespace outside the edited lines are preserved. A field that
// is absent from the document is inserted after the nearest preceding
// metadata field, falling back from updatedAt to createdAt to version to id.
func UpdateMetadata(source string, meta Metadata) string {
	values := map[string]string{}
	if meta.Version != nil {
		values["version"] = fmt.Sprintf("%d", *meta.Version)
	}
	if meta.CreatedAt != nil {
		values["createdAt"] = meta.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if meta.UpdatedAt != nil {
		values["updatedAt"] = meta.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if meta.Active != nil {
		values["active"] = fmt.Sprintf("%t", *meta.Active)
	}
	if len(values) == 0 {
		return source
	}

	trailingNewline := strings.HasSuffix(source, "\n")
	lines := strings.Split(strings.TrimSuffix(source, "\n"), "\n")

	for _, field := range metadataOrder {
		value, ok := values[field.name]
		if !ok {
			continue
		}
		newLine := field.name + ": " + value

		if idx := findTopLevelField(lines, field.name); idx >= 0 {
			lines[idx] = newLine
			continue
		}

		insertAt := 0
		for _, anchor := range field.anchors {
			if idx := findTopLevelField(lines, anchor); idx >= 0 {
				insertAt = idx + 1
				break
			}
		}
		lines = append(lines[:insertAt], append([]string{newLine}, lines[insertAt:]...)...)
	}

	result := strings.Join(lines, "\n")
	if trailingNewline {
		result += "\n"
	}
	return result
}

// findTopLevelField returns the index of the line declaring a top-level
// field, or -1. Only unindented "name:" lines count; nested occurrences of
// the same key are untouched.
func findTopLevelField(lines []string, name string) int {
	for i, line := range lines {
		m := topLevelField.FindStringSubmatch(line)
		if m != nil && m[1] == name {
			return i
		}
	}
	return -1
}
