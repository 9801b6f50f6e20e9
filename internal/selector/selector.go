package selector

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// ErrNotFound is returned when a selector does not address any field of the document.
var ErrNotFound = errors.New("selector: path not found")

// Document is a decoded reference feed response.
type Document map[string]any

// Sorted is a copy of a Document whose top-level keys are kept in lexicographic order.
type Sorted struct {
	Keys   []string
	Values map[string]any
}

// Sort returns the key-ordered copy of doc. Nested values are shared, not copied.
func Sort(doc Document) Sorted {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(map[string]any, len(doc))
	for _, k := range keys {
		values[k] = doc[k]
	}
	return Sorted{Keys: keys, Values: values}
}

// Normalize rewrites a dotted selector into the quoted-bracket form when any
// segment carries a hyphen, e.g. $.huobi-token.usd becomes $["huobi-token"]["usd"].
// Selectors without hyphens are returned unchanged.
func Normalize(sel string) string {
	if !strings.Contains(sel, "-") {
		return sel
	}

	parts := strings.Split(sel, ".")
	var b strings.Builder
	for i, part := range parts {
		if i == 0 {
			b.WriteString(part)
			continue
		}
		b.WriteString(`["`)
		b.WriteString(part)
		b.WriteString(`"]`)
	}
	return b.String()
}

// Resolve returns the raw value addressed by sel inside doc. A selector that
// can match several fields (wildcard, filter or recursive descent) resolves to
// its first match in key order.
func Resolve(doc Document, sel string) (any, error) {
	if strings.TrimSpace(sel) == "" {
		return nil, errors.New("selector: empty selector")
	}

	if multiMatch(sel) {
		matches, err := QueryAll(doc, sel)
		if err != nil {
			return nil, err
		}
		return matches[0], nil
	}

	sorted := Sort(doc)
	value, err := jsonpath.Get(Normalize(sel), sorted.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, sel, err)
	}
	if value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sel)
	}
	if list, ok := value.([]any); ok && len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sel)
	}
	return value, nil
}

func multiMatch(sel string) bool {
	return strings.ContainsAny(sel, "*?") || strings.Contains(sel, "..")
}

// QueryAll evaluates sel against every top-level entry of doc in key order
// and returns all matches. Wildcard selectors such as $.*.usd therefore yield
// their results in a stable order.
func QueryAll(doc Document, sel string) ([]any, error) {
	if strings.TrimSpace(sel) == "" {
		return nil, errors.New("selector: empty selector")
	}

	path := Normalize(sel)
	sorted := Sort(doc)

	matches := make([]any, 0, len(sorted.Keys))
	for _, key := range sorted.Keys {
		entry := map[string]any{key: sorted.Values[key]}
		value, err := jsonpath.Get(path, entry)
		if err != nil || value == nil {
			continue
		}
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if item != nil {
					matches = append(matches, item)
				}
			}
			continue
		}
		matches = append(matches, value)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sel)
	}
	return matches, nil
}
