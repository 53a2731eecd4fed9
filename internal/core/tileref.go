package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// TileRef identifies one tile of a matrix at a point in its computation history.
//
// TileRef is a comparable value type and is used directly as a map key by the
// cache and the data plane. A newer version of the same block is a different
// TileRef; existing refs are never mutated.
type TileRef struct {
	Row     int
	Col     int
	Version int
}

// Ref is shorthand for constructing a TileRef.
func Ref(row, col, version int) TileRef {
	return TileRef{Row: row, Col: col, Version: version}
}

// Next returns the ref produced by writing this tile once more.
func (r TileRef) Next() TileRef {
	return TileRef{Row: r.Row, Col: r.Col, Version: r.Version + 1}
}

// SameTile reports whether both refs address the same block, regardless of version.
func (r TileRef) SameTile(o TileRef) bool {
	return r.Row == o.Row && r.Col == o.Col
}

// Key returns the stable storage key derived from (row, col, version).
func (r TileRef) Key() string {
	return fmt.Sprintf("r%d-c%d-v%d", r.Row, r.Col, r.Version)
}

func (r TileRef) String() string {
	return fmt.Sprintf("(%d,%d)@v%d", r.Row, r.Col, r.Version)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (TileRef, error) {
	var r TileRef
	n, err := fmt.Sscanf(key, "r%d-c%d-v%d", &r.Row, &r.Col, &r.Version)
	if err != nil || n != 3 {
		return TileRef{}, fmt.Errorf("invalid tile key %q", key)
	}
	if r.Key() != key {
		return TileRef{}, fmt.Errorf("invalid tile key %q", key)
	}
	return r, nil
}

// Less orders refs by (row, col, version).
func (r TileRef) Less(o TileRef) bool {
	if r.Row != o.Row {
		return r.Row < o.Row
	}
	if r.Col != o.Col {
		return r.Col < o.Col
	}
	return r.Version < o.Version
}

// SortRefs returns a sorted copy of refs.
func SortRefs(refs []TileRef) []TileRef {
	out := make([]TileRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// MarshalJSON encodes the ref as the ordered triple [row, col, version].
func (r TileRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{r.Row, r.Col, r.Version})
}

// UnmarshalJSON decodes the [row, col, version] triple.
func (r *TileRef) UnmarshalJSON(data []byte) error {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tile ref: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("tile ref: expected [row, col, version], got %d elements", len(raw))
	}
	if raw[0] < 0 || raw[1] < 0 || raw[2] < 0 {
		return fmt.Errorf("tile ref: negative component in %v", raw)
	}
	*r = TileRef{Row: raw[0], Col: raw[1], Version: raw[2]}
	return nil
}
