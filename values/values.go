// Package values normalizes heterogeneous entity and rule values so they can be
// compared consistently by condition operators.
package values

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DateLayout is the canonical rendering of a calendar date.
	DateLayout = "2006-01-02"
	// DateTimeLayout is the canonical rendering of an instant.
	DateTimeLayout = time.RFC3339Nano
)

var (
	numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)
	datePattern    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeHint   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`)
)

// Date is a calendar date without a time of day.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date in UTC.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// MarshalJSON renders the date as a YYYY-MM-DD string.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a YYYY-MM-DD string.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Normalize maps a raw value onto a small set of canonical kinds:
// decimal.Decimal for anything numeric, ISO-8601 strings for dates and
// instants, []any for sequences. Other values are returned unchanged and
// compared opaquely.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return x
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return *x
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d
		}
		return x.String()
	case int:
		return decimal.NewFromInt(int64(x))
	case int8:
		return decimal.NewFromInt(int64(x))
	case int16:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case uint:
		return decimal.NewFromUint64(uint64(x))
	case uint8:
		return decimal.NewFromUint64(uint64(x))
	case uint16:
		return decimal.NewFromUint64(uint64(x))
	case uint32:
		return decimal.NewFromUint64(uint64(x))
	case uint64:
		return decimal.NewFromUint64(x)
	case float32:
		return decimal.NewFromFloat32(x)
	case float64:
		return decimal.NewFromFloat(x)
	case Date:
		return x.String()
	case *Date:
		if x == nil {
			return nil
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(DateTimeLayout)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(DateTimeLayout)
	case string:
		return normalizeString(x)
	case bool:
		return x
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = Normalize(el)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func normalizeString(s string) any {
	trimmed := strings.TrimSpace(s)
	if numericPattern.MatchString(trimmed) {
		if d, err := decimal.NewFromString(trimmed); err == nil {
			return d
		}
	}
	if datePattern.MatchString(trimmed) {
		if d, err := ParseDate(trimmed); err == nil {
			return d.String()
		}
	}
	if dateTimeHint.MatchString(trimmed) {
		if t, ok := ParseDateTime(trimmed); ok {
			return t.UTC().Format(DateTimeLayout)
		}
	}
	return s
}

// ParseDateTime accepts RFC 3339 instants and the space-separated variant.
func ParseDateTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Equal reports whether a and b are equal after normalization.
func Equal(a, b any) bool {
	return equalNormalized(Normalize(a), Normalize(b))
}

func equalNormalized(a, b any) bool {
	da, aDec := a.(decimal.Decimal)
	db, bDec := b.(decimal.Decimal)
	if aDec || bDec {
		return aDec && bDec && da.Equal(db)
	}
	la, aList := a.([]any)
	lb, bList := b.([]any)
	if aList || bList {
		if !aList || !bList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equalNormalized(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders a and b. The second result is false when the two values
// are not mutually comparable.
func Compare(a, b any) (int, bool) {
	na, nb := Normalize(a), Normalize(b)

	if da, ok := na.(decimal.Decimal); ok {
		db, ok := nb.(decimal.Decimal)
		if !ok {
			return 0, false
		}
		return da.Cmp(db), true
	}

	sa, ok := na.(string)
	if !ok {
		return 0, false
	}
	sb, ok := nb.(string)
	if !ok {
		return 0, false
	}

	ta, aTime := asInstant(sa)
	tb, bTime := asInstant(sb)
	switch {
	case aTime && bTime:
		return ta.Compare(tb), true
	case aTime || bTime:
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func asInstant(s string) (time.Time, bool) {
	if datePattern.MatchString(s) {
		d, err := ParseDate(s)
		return d.Time, err == nil
	}
	if dateTimeHint.MatchString(s) {
		return ParseDateTime(s)
	}
	return time.Time{}, false
}

// IsEmpty reports whether v is absent, nil, the empty string or an empty
// collection.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// AsSequence returns the elements of v when v is a slice or array.
func AsSequence(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Lookup resolves a dotted path against nested maps. The second result is
// false when any segment is missing.
func Lookup(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			next, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// Render formats a value for human readable summaries.
func Render(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return "null"
	case decimal.Decimal:
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
