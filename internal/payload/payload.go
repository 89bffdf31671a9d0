// Package payload normalizes contract payloads. Records arrive in two
// shapes: named fields keyed by attribute, or a generic record carrying an
// ordered field list. Both are projected onto the named shape here, and the
// fall-through extraction helpers for the known value nestings live here so
// every projection shares one set.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Shape tags the detected payload encoding.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeNamed
	ShapePositional
)

func (s Shape) String() string {
	switch s {
	case ShapeNamed:
		return "named"
	case ShapePositional:
		return "positional"
	}
	return "unknown"
}

// Detect probes the structural shape of a payload.
func Detect(raw json.RawMessage) Shape {
	if len(raw) == 0 {
		return ShapeUnknown
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ShapeUnknown
	}
	if fields, ok := probe["fields"]; ok {
		var arr []json.RawMessage
		if err := json.Unmarshal(fields, &arr); err == nil {
			return ShapePositional
		}
	}
	if len(probe) == 0 {
		return ShapeUnknown
	}
	return ShapeNamed
}

// Fields projects a payload onto named fields. For the positional shape,
// order supplies the attribute name of each position; extra positions are
// dropped and missing ones are simply absent.
func Fields(raw json.RawMessage, order []string) (map[string]json.RawMessage, Shape) {
	shape := Detect(raw)
	switch shape {
	case ShapeNamed:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, ShapeUnknown
		}
		return m, ShapeNamed
	case ShapePositional:
		var rec struct {
			Fields []struct {
				Label string          `json:"label"`
				Value json.RawMessage `json:"value"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, ShapeUnknown
		}
		m := make(map[string]json.RawMessage, len(rec.Fields))
		for i, f := range rec.Fields {
			switch {
			case f.Label != "":
				m[f.Label] = f.Value
			case i < len(order):
				m[order[i]] = f.Value
			}
		}
		return m, ShapePositional
	}
	return nil, ShapeUnknown
}

// ExtractParty digs a party identifier out of the known nestings:
// "p", {"party": "p"}, {"value": "p"}, {"unpack": "p"}.
func ExtractParty(raw json.RawMessage) string {
	return extractString(raw, []string{"party", "value", "unpack"}, 0)
}

// ExtractText digs a plain string out of the known nestings.
func ExtractText(raw json.RawMessage) string {
	return extractString(raw, []string{"text", "value", "unpack"}, 0)
}

func extractString(raw json.RawMessage, keys []string, depth int) string {
	if len(raw) == 0 || depth > 3 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if out := extractString(v, keys, depth+1); out != "" {
				return out
			}
		}
	}
	return ""
}

// ExtractInt digs an integer out of the known nestings; numeric strings are
// accepted because ledger int64s travel as strings.
func ExtractInt(raw json.RawMessage) (int64, bool) {
	return extractInt(raw, 0)
}

func extractInt(raw json.RawMessage, depth int) (int64, bool) {
	if len(raw) == 0 || depth > 3 {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, true
		}
		return 0, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	for _, k := range []string{"number", "value", "unpack"} {
		if v, ok := m[k]; ok {
			if out, ok := extractInt(v, depth+1); ok {
				return out, true
			}
		}
	}
	return 0, false
}

// ExtractDecimal digs a decimal out of the known nestings. Ledger decimals
// travel as strings.
func ExtractDecimal(raw json.RawMessage) (float64, bool) {
	return extractDecimal(raw, 0)
}

func extractDecimal(raw json.RawMessage, depth int) (float64, bool) {
	if len(raw) == 0 || depth > 3 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
		return 0, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	for _, k := range []string{"amount", "value", "unpack"} {
		if v, ok := m[k]; ok {
			if out, ok := extractDecimal(v, depth+1); ok {
				return out, true
			}
		}
	}
	return 0, false
}

// ExtractTime digs a timestamp out of the known encodings: RFC3339 strings
// and epoch micros/millis.
func ExtractTime(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochToTime(n), true
		}
		return time.Time{}, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return epochToTime(n), true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, k := range []string{"timestamp", "value", "unpack"} {
			if v, ok := m[k]; ok {
				if t, ok := ExtractTime(v); ok {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

func epochToTime(n int64) time.Time {
	switch {
	case n >= 1e14:
		return time.UnixMicro(n).UTC()
	case n >= 1e11:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}

// StableHash produces a short stable digest of an arbitrary JSON blob, used
// as the semantic subject for config-style payloads.
func StableHash(raw json.RawMessage) string {
	// Re-marshal through a generic value so key order does not matter.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:8])
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}
