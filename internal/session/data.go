package session

// Data is an open mapping of field name to value describing a game's
// visible progress. Values are whatever a JSON decoder produces (float64,
// string, bool, nil, []any, map[string]any).
type Data map[string]any

// Merge overwrites the keys of d that are present in partial and leaves every
// other key untouched. Keys are never deleted. Values are cloned so later
// mutation of partial does not reach into d. A nil receiver is not allowed;
// use Data{} for an empty snapshot.
func (d Data) Merge(partial Data) {
	for k, v := range partial {
		d[k] = cloneValue(v)
	}
}

// Clone returns a deep copy of d. Nested maps and slices are duplicated.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = cloneValue(v)
	}
	return c
}

// Len returns the number of fields in d.
func (d Data) Len() int {
	return len(d)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Data:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
