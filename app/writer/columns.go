package writer

import (
	"encoding/json"
	"strconv"
)

// Column is one CSV column. Its value is the first non-empty item field
// among Sources, or the field named like the column when Sources is empty.
type Column struct {
	Name    string
	Sources []string
}

// Lookup reads one candidate value from an item.
type Lookup func(item Item) (string, bool)

func Field(key string) Lookup {
	return func(item Item) (string, bool) {
		v, ok := item[key]
		if !ok || v == nil {
			return "", false
		}
		s := FormatValue(v)
		return s, s != ""
	}
}

// FirstNonEmpty returns the first value produced by lookups, in order.
func FirstNonEmpty(item Item, lookups ...Lookup) string {
	for _, lookup := range lookups {
		if v, ok := lookup(item); ok {
			return v
		}
	}
	return ""
}

func (c Column) lookups() []Lookup {
	if len(c.Sources) == 0 {
		return []Lookup{Field(c.Name)}
	}
	lookups := make([]Lookup, len(c.Sources))
	for i, source := range c.Sources {
		lookups[i] = Field(source)
	}
	return lookups
}

func (c Column) Value(item Item) string {
	return FirstNonEmpty(item, c.lookups()...)
}

func ColumnNames(columns []Column) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}

// FormatValue renders a decoded JSON value as a CSV cell.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
