// Package aggregate turns raw question answers into per-question statistics
// and satisfaction averages. It is dependency-free with respect to internal/:
// callers convert their rows into Answer values, so everything here can be
// tested without a database.
package aggregate

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Answer values arrive in several shapes depending on how the survey form
// stored them:
//
//	8                         number
//	"8"                       numeric string
//	{"value": 8}              structured, also {"score": 8}
//	{"label": "매우 만족"}     structured choice
//	["A", {"label": "B"}]     multiple choice
//
// The two functions below collapse those shapes into the one the question
// type needs. Anything that does not fit is dropped, never an error.

// CoerceNumeric extracts a finite number from an answer. Sources are tried in
// order: a JSON number, a numeric JSON string, the value or score field of a
// JSON object, then the free-text column. Blank strings never coerce to 0.
func CoerceNumeric(value json.RawMessage, text string) (float64, bool) {
	if v, ok := decode(value); ok {
		switch t := v.(type) {
		case json.Number:
			if n, ok := finite(t.String()); ok {
				return n, true
			}
		case string:
			if n, ok := finite(t); ok {
				return n, true
			}
		case map[string]any:
			if n, ok := numericField(t); ok {
				return n, true
			}
		}
	}
	return finite(text)
}

// CoerceChoiceLabels extracts the selected option labels from a choice answer.
// Non-blank free text wins; otherwise the value is read as an array of
// options, a single string, or a single structured option. Blank labels are
// dropped.
func CoerceChoiceLabels(value json.RawMessage, text string) []string {
	if s := strings.TrimSpace(text); s != "" {
		return []string{s}
	}

	v, ok := decode(value)
	if !ok {
		return nil
	}

	var labels []string
	push := func(item any) {
		if s, ok := choiceLabel(item); ok {
			labels = append(labels, s)
		}
	}

	switch t := v.(type) {
	case []any:
		for _, item := range t {
			push(item)
		}
	case string, map[string]any:
		push(t)
	}
	return labels
}

// CoerceText returns the trimmed free-text answer, or false when blank.
func CoerceText(text string) (string, bool) {
	s := strings.TrimSpace(text)
	return s, s != ""
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

// decode parses a JSON value with numbers kept as json.Number. A missing or
// null value reports false.
func decode(raw json.RawMessage) (any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// finite parses s as a float and rejects blanks, NaN and infinities.
func finite(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// numericField reads value, falling back to score only when value is absent
// or null.
func numericField(obj map[string]any) (float64, bool) {
	field, ok := obj["value"]
	if !ok || field == nil {
		field = obj["score"]
	}
	switch f := field.(type) {
	case json.Number:
		return finite(f.String())
	case string:
		return finite(f)
	}
	return 0, false
}

// choiceLabel renders one option. Objects use label, then value, then their
// own JSON encoding.
func choiceLabel(item any) (string, bool) {
	var s string
	switch t := item.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case json.Number:
		s = t.String()
	case bool:
		s = strconv.FormatBool(t)
	case map[string]any:
		switch {
		case t["label"] != nil:
			s = scalarString(t["label"])
		case t["value"] != nil:
			s = scalarString(t["value"])
		default:
			b, _ := json.Marshal(t)
			s = string(b)
		}
	default:
		b, _ := json.Marshal(t)
		s = string(b)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
