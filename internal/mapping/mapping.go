// Package mapping holds the static translation from PLC tag names to
// database column names.
package mapping

import "fmt"

// Pair is one tag-to-column translation.
type Pair struct {
	Tag    string
	Column string
}

// Mapping is an ordered sequence of tag-to-column pairs. Order is
// significant: it drives the column order of generated INSERT statements.
type Mapping []Pair

// Compose merges a primary mapping (the recipe body) with an extras mapping
// (auxiliary scalars) into one ordered Mapping, primary entries first. It
// fails if the two sets share a tag name, since a duplicate key would make
// the resulting INSERT column list ambiguous.
func Compose(primary, extras Mapping) (Mapping, error) {
	seen := make(map[string]struct{}, len(primary)+len(extras))
	out := make(Mapping, 0, len(primary)+len(extras))

	for _, p := range primary {
		if _, dup := seen[p.Tag]; dup {
			return nil, fmt.Errorf("mapping: duplicate tag %q in primary mapping", p.Tag)
		}
		seen[p.Tag] = struct{}{}
		out = append(out, p)
	}
	for _, p := range extras {
		if _, dup := seen[p.Tag]; dup {
			return nil, fmt.Errorf("mapping: tag %q present in both primary and extras mappings", p.Tag)
		}
		seen[p.Tag] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Columns returns the column names in mapping order, for building a
// serialised snapshot or diagnostic output.
func (m Mapping) Columns() []string {
	cols := make([]string, len(m))
	for i, p := range m {
		cols[i] = p.Column
	}
	return cols
}
