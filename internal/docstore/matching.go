package docstore

import (
	"sort"
	"time"
)

// Matches reports whether doc satisfies every filter.
func Matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(doc, f) {
			return false
		}
	}
	return true
}

func matchOne(doc Document, f Filter) bool {
	v, ok := fieldValue(doc, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return compareValues(v, f.Value) == 0
	case OpGreater:
		return compareValues(v, f.Value) > 0
	case OpArrayContains:
		return arrayContains(v, f.Value)
	default:
		return false
	}
}

// SortDocs orders docs in place by the given orders, comparing field by field.
func SortDocs(docs []Document, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			a, _ := fieldValue(docs[i], o.Field)
			b, _ := fieldValue(docs[j], o.Field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// fieldValue resolves a field name against document fields or metadata.
func fieldValue(doc Document, field string) (any, bool) {
	switch field {
	case "id":
		return doc.ID, true
	case "createdAt":
		return doc.CreatedAt, true
	case "updatedAt":
		return doc.UpdatedAt, true
	}
	v, ok := doc.Fields[field]
	return v, ok
}

// compareValues imposes a total order over the value kinds documents carry:
// nil < bool < number < time < string. JSON decoding turns numbers into
// float64, so integer kinds are normalised before comparing.
func compareValues(a, b any) int {
	ka, kb := valueKind(a), valueKind(b)
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch ka {
	case kindNil:
		return 0
	case kindBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case bb:
			return -1
		default:
			return 1
		}
	case kindNumber:
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case kindTime:
		at, bt := toTime(a), toTime(b)
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	default:
		as, bs := toString(a), toString(b)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}

type kind int

const (
	kindNil kind = iota
	kindBool
	kindNumber
	kindTime
	kindString
)

func valueKind(v any) kind {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case int, int32, int64, float32, float64:
		return kindNumber
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

func toTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func arrayContains(v, needle any) bool {
	switch arr := v.(type) {
	case []string:
		for _, item := range arr {
			if compareValues(item, needle) == 0 {
				return true
			}
		}
	case []any:
		for _, item := range arr {
			if compareValues(item, needle) == 0 {
				return true
			}
		}
	}
	return false
}
