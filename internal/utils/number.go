package utils

import (
	"bytes"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"arbitral/internal/model"
)

// Number is an exchange numeric field. Exchanges send numbers either as JSON
// numbers or as strings; anything that does not parse to a finite value
// decodes as a missing Number instead of failing the whole message.
type Number struct {
	Value float64
	Valid bool
}

// ParseNumber parses s into a Number. Empty, "null" and non-numeric input
// yield an invalid Number.
func ParseNumber(s string) Number {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return Number{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}
	}
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return Number{}
	}
	return Number{Value: f, Valid: true}
}

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	*n = ParseNumber(string(b))
	return nil
}

// Positive returns the value when it is present and greater than zero.
func (n Number) Positive() (float64, bool) {
	return n.Value, n.Valid && n.Value > 0
}

// rawLevel is the object form of a book level used by some venues,
// e.g. Gate.io futures {"p":"100.1","s":12}.
type rawLevel struct {
	P     Number `json:"p"`
	S     Number `json:"s"`
	Price Number `json:"price"`
	Size  Number `json:"size"`
}

// ParseLevels normalizes one side of an order book into levels.
//
// Accepted shapes:
//   - array pairs:   [["100.1","2.5"], [100.0, 3]] (extra elements ignored)
//   - object entries: [{"p":"100.1","s":2.5}] or [{"price":..,"size":..}]
//   - object map:    {"100.1":"2.5","100.0":"3"}
//
// Entries whose price or size is missing, non-finite or not positive are
// discarded. The result is in input order; see SortLevels.
func ParseLevels(raw []byte) []model.Level {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil
		}
		levels := make([]model.Level, 0, len(entries))
		for _, e := range entries {
			if lvl, ok := parseLevel(e); ok {
				levels = append(levels, lvl)
			}
		}
		return levels
	case '{':
		var m map[string]Number
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		levels := make([]model.Level, 0, len(m))
		for price, size := range m {
			if lvl, ok := makeLevel(ParseNumber(price), size); ok {
				levels = append(levels, lvl)
			}
		}
		return levels
	default:
		return nil
	}
}

// OnlyDeletions reports whether raw is a non-empty array of [price, size]
// pairs in which every size is zero, the delta form that removes levels
// without replacing them.
func OnlyDeletions(raw []byte) bool {
	var entries [][]Number
	if err := json.Unmarshal(bytes.TrimSpace(raw), &entries); err != nil || len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if len(e) < 2 || !e[0].Valid || !e[1].Valid || e[1].Value != 0 {
			return false
		}
	}
	return true
}

func parseLevel(raw []byte) (model.Level, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return model.Level{}, false
	}
	switch raw[0] {
	case '[':
		var arr []Number
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 2 {
			return model.Level{}, false
		}
		return makeLevel(arr[0], arr[1])
	case '{':
		var obj rawLevel
		if err := json.Unmarshal(raw, &obj); err != nil {
			return model.Level{}, false
		}
		if obj.P.Valid || obj.S.Valid {
			return makeLevel(obj.P, obj.S)
		}
		return makeLevel(obj.Price, obj.Size)
	default:
		return model.Level{}, false
	}
}

func makeLevel(price, size Number) (model.Level, bool) {
	p, ok := price.Positive()
	if !ok {
		return model.Level{}, false
	}
	s, ok := size.Positive()
	if !ok {
		return model.Level{}, false
	}
	return model.Level{Price: p, Size: s}, true
}
