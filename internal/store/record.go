package store

import "strconv"

// Record is a row keyed by camelCase field names.
type Record map[string]any

// String returns the field as a string; numbers are formatted, NULL is "".
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return ""
	}
}

// Int64 returns the field as an int64; unparseable values are 0.
func (r Record) Int64(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	default:
		return 0
	}
}

// Int returns the field as an int.
func (r Record) Int(field string) int {
	return int(r.Int64(field))
}

// Bool reports whether the field holds a non-zero value.
func (r Record) Bool(field string) bool {
	if b, ok := r[field].(bool); ok {
		return b
	}
	return r.Int64(field) != 0
}
