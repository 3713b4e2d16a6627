package muql

import (
	"strings"

	"github.com/orneryd/mucode/pkg/storage"
)

// field is a selectable node attribute.
type field struct {
	name    string
	numeric bool
	get     func(n *storage.Node) any
}

var nodeFields = map[string]field{
	"id":         {name: "id", get: func(n *storage.Node) any { return n.ID }},
	"name":       {name: "name", get: func(n *storage.Node) any { return n.Name }},
	"kind":       {name: "kind", get: func(n *storage.Node) any { return n.Kind.String() }},
	"path":       {name: "path", get: func(n *storage.Node) any { return n.Path }},
	"language":   {name: "language", get: func(n *storage.Node) any { return n.Language }},
	"line_start": {name: "line_start", numeric: true, get: func(n *storage.Node) any { return n.LineStart }},
	"line_end":   {name: "line_end", numeric: true, get: func(n *storage.Node) any { return n.LineEnd }},
}

// defaultColumns is what SELECT * returns.
var defaultColumns = []string{"id", "name", "kind", "path", "language", "line_start", "line_end"}

const metadataPrefix = "metadata."

// lookupField resolves a field name; metadata.<key> reads node metadata.
func lookupField(name string) (field, error) {
	lower := strings.ToLower(name)
	if f, ok := nodeFields[lower]; ok {
		return f, nil
	}
	if strings.HasPrefix(lower, metadataPrefix) && len(name) > len(metadataPrefix) {
		key := name[len(metadataPrefix):]
		return field{name: metadataPrefix + key, get: func(n *storage.Node) any { return n.Metadata[key] }}, nil
	}
	return field{}, planErrorf(ErrUnknownField, "%q", name)
}

// number returns the value of a numeric field.
func (f field) number(n *storage.Node) float64 {
	if v, ok := f.get(n).(int); ok {
		return float64(v)
	}
	return 0
}

// text returns the value of a string field.
func (f field) text(n *storage.Node) string {
	if s, ok := f.get(n).(string); ok {
		return s
	}
	return ""
}
