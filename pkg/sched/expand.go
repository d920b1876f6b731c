package sched

import "regexp"

// ComponentKey is the itemdata key present in every row: the component's
// zero-based index within the map.
const ComponentKey = "component"

var macroPattern = regexp.MustCompile(`\$\(([A-Za-z_][A-Za-z0-9_]*)\)`)

// Macro renders the $(key) reference for an itemdata key.
func Macro(key string) string {
	return "$(" + key + ")"
}

// Expand substitutes $(key) references in s with the item's values. Keys
// absent from the item are left verbatim so misconfigured descriptions stay
// visible instead of silently collapsing to empty strings.
func Expand(s string, item Item) string {
	return macroPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := m[2 : len(m)-1]
		if v, ok := item[key]; ok {
			return v
		}
		return m
	})
}
