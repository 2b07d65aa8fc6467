package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chararch/tunepipe/catalog"
	"github.com/chararch/tunepipe/extensions/landing"
)

// timestamp layouts accepted for naive values, tried in order
var timestampLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"02/01/2006",
}

// Normalizer coerces raw attributes into typed curated values.
type Normalizer struct {
	// Location every timestamp is converted to.
	Location *time.Location

	// SourceLocation interprets timestamps without a zone.
	SourceLocation *time.Location
}

// NewNormalizer returns a normalizer standardizing to UTC.
func NewNormalizer() *Normalizer {
	return &Normalizer{Location: time.UTC, SourceLocation: time.UTC}
}

// FieldError is the reason a record was rejected.
type FieldError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s (value %v)", e.Field, e.Reason, e.Value)
}

// Normalize builds the curated row of rec. Attributes not declared by the entity are dropped.
func (n *Normalizer) Normalize(e *Entity, rec landing.Record) (catalog.Row, error) {
	row := make(catalog.Row, len(e.Fields)+1)
	for _, f := range e.Fields {
		raw, ok := rec.Data[f.source()]
		v, err := n.coerce(f, raw)
		if err != nil {
			return nil, &FieldError{Field: f.Name, Value: raw, Reason: err.Error()}
		}
		if v == nil && f.Required {
			reason := "required value is null"
			if !ok {
				reason = "required value is missing"
			}
			return nil, &FieldError{Field: f.Name, Value: raw, Reason: reason}
		}
		row[f.Name] = v
	}
	row[IngestedAtColumn] = rec.IngestedAt.In(n.location())
	return row, nil
}

func (n *Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.UTC
	}
	return n.Location
}

func (n *Normalizer) coerce(f Field, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case catalog.String:
		return n.toString(f, v)
	case catalog.Int:
		return toInt(v)
	case catalog.Float:
		return toFloat(v)
	case catalog.Bool:
		return toBool(v)
	case catalog.Timestamp:
		return n.toTimestamp(v)
	}
	return nil, fmt.Errorf("unsupported type %s", f.Type)
}

func (n *Normalizer) toString(f Field, v interface{}) (interface{}, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case bool, int, int64, float64:
		s = fmt.Sprint(t)
	default:
		return nil, fmt.Errorf("%T is not a string", v)
	}
	if !f.NoTrim {
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, nil
	}
	if f.MaxLength > 0 && utf8.RuneCountInString(s) > f.MaxLength {
		return nil, fmt.Errorf("length %d exceeds %d", utf8.RuneCountInString(s), f.MaxLength)
	}
	return s, nil
}

func toInt(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return integral(f)
	case float64:
		return integral(t)
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", t)
		}
		return i, nil
	}
	return nil, fmt.Errorf("%T is not an integer", v)
}

func integral(f float64) (interface{}, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%T is not a number", v)
}

func toBool(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case json.Number:
		switch t.String() {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%v is not a boolean", v)
}

// toTimestamp accepts RFC 3339 values, the naive layouts above and unix seconds.
func (n *Normalizer) toTimestamp(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case time.Time:
		return t.In(n.location()), nil
	case json.Number:
		secs, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("%v is not a unix timestamp", t)
		}
		return time.Unix(secs, 0).In(n.location()), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		ts, err := n.parseTimestamp(s)
		if err != nil {
			return nil, err
		}
		return ts.In(n.location()), nil
	}
	return nil, fmt.Errorf("%T is not a timestamp", v)
}

func (n *Normalizer) parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	src := n.SourceLocation
	if src == nil {
		src = time.UTC
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, src); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", s)
}
