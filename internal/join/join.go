// Package join combines two bounded in-memory row sets by matching field
// values.
package join

import (
	"fmt"
	"strconv"

	"github.com/roach88/toolrun/internal/toolerr"
)

// MaxRows is the hard ceiling on either input side.
const MaxRows = 10_000

// JoinedPrefix is prepended to right-side field names in matched rows.
const JoinedPrefix = "joined_"

// Type is the join kind.
type Type string

const (
	Inner Type = "inner"
	Left  Type = "left"
)

// Row is one record.
type Row = map[string]any

// Definition configures a join.
type Definition struct {
	LeftField  string `json:"leftField" yaml:"leftField"`
	RightField string `json:"rightField" yaml:"rightField"`
	Type       Type   `json:"joinType" yaml:"joinType"`
}

// Stats describes a join's inputs and outcome.
//
// DroppedRows is leftRows - matchedRows (floored at zero). It over-counts
// when one left row matches several right rows; UnmatchedLeftRows is the
// exact number of left rows with no match.
type Stats struct {
	LeftRows          int `json:"leftRows"`
	RightRows         int `json:"rightRows"`
	MatchedRows       int `json:"matchedRows"`
	DroppedRows       int `json:"droppedRows"`
	UnmatchedLeftRows int `json:"unmatchedLeftRows"`
}

// Result is the joined output.
type Result struct {
	Data  []Row `json:"data"`
	Stats Stats `json:"stats"`
}

// Execute hash-joins left and right.
//
// Keys are compared by their string form. Absent, null and empty keys never
// match: they are not indexed on the right, and a left row with such a key is
// unmatched. Output keeps left order; a left row's matches keep right order.
func Execute(def Definition, left, right []Row) (Result, error) {
	if len(left) > MaxRows || len(right) > MaxRows {
		return Result{}, toolerr.New(toolerr.CodeSizeLimit,
			"join input exceeds %d rows (left=%d, right=%d)", MaxRows, len(left), len(right)).
			WithDetail("leftRows", strconv.Itoa(len(left))).
			WithDetail("rightRows", strconv.Itoa(len(right)))
	}
	if def.LeftField == "" || def.RightField == "" {
		return Result{}, toolerr.Validation("field", "leftField and rightField are required")
	}
	joinType := def.Type
	if joinType == "" {
		joinType = Inner
	}
	if joinType != Inner && joinType != Left {
		return Result{}, toolerr.Validation("joinType", "joinType must be inner or left, got %q", def.Type)
	}

	index := make(map[string][]Row, len(right))
	for _, r := range right {
		key, ok := keyOf(r, def.RightField)
		if !ok {
			continue
		}
		index[key] = append(index[key], r)
	}

	data := make([]Row, 0, len(left))
	stats := Stats{LeftRows: len(left), RightRows: len(right)}
	for _, l := range left {
		var matches []Row
		if key, ok := keyOf(l, def.LeftField); ok {
			matches = index[key]
		}
		if len(matches) == 0 {
			stats.UnmatchedLeftRows++
			if joinType == Left {
				data = append(data, l)
			}
			continue
		}
		for _, m := range matches {
			data = append(data, merge(l, m))
			stats.MatchedRows++
		}
	}
	stats.DroppedRows = max(stats.LeftRows-stats.MatchedRows, 0)

	return Result{Data: data, Stats: stats}, nil
}

func merge(l, r Row) Row {
	out := make(Row, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range r {
		out[JoinedPrefix+k] = v
	}
	return out
}

// keyOf returns the join key of row[field]. ok is false for absent, null and
// empty values.
func keyOf(row Row, field string) (string, bool) {
	v, present := row[field]
	if !present || v == nil {
		return "", false
	}
	key := stringify(v)
	return key, key != ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
