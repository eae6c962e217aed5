package engine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
)

// coerceFieldValue converts a decoded JSON value into the Go value bound for
// the field's column type. Empty strings on non-text fields become NULL.
func coerceFieldValue(f catalog.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.FieldType {
	case "text", "textarea", "select":
		return coerceText(f, v)
	case "number", "currency":
		return coerceFloat(f, v)
	case "integer":
		return coerceInt(f, v)
	case "date":
		return coerceDate(f, v, false)
	case "month-year":
		return coerceDate(f, v, true)
	default:
		return nil, apperr.BadRequestf("Field '%s' has unsupported type '%s'", f.FieldLabel, f.FieldType)
	}
}

func invalid(f catalog.Field, v any) error {
	return apperr.BadRequestf("Invalid value %v for field '%s'", v, f.FieldLabel)
}

func coerceText(f catalog.Field, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return nil, invalid(f, v)
	}
}

func coerceFloat(f catalog.Field, v any) (any, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return nil, invalid(f, v)
		}
		return n, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, invalid(f, v)
		}
		return n, nil
	default:
		return nil, invalid(f, v)
	}
}

func coerceInt(f catalog.Field, v any) (any, error) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || math.Abs(val) > math.MaxInt32 {
			return nil, invalid(f, v)
		}
		return int64(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil || n > math.MaxInt32 || n < math.MinInt32 {
			return nil, invalid(f, v)
		}
		return n, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, invalid(f, v)
		}
		return n, nil
	default:
		return nil, invalid(f, v)
	}
}

// coerceDate accepts YYYY-MM-DD or an RFC 3339 timestamp. Month-year fields
// also accept YYYY-MM and always store the first day of the month.
func coerceDate(f catalog.Field, v any, monthYear bool) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, invalid(f, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var d time.Time
	var err error
	switch {
	case monthYear && len(s) == len("2006-01"):
		d, err = time.Parse("2006-01", s)
	case len(s) == len("2006-01-02"):
		d, err = time.Parse("2006-01-02", s)
	default:
		d, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return nil, invalid(f, v)
	}
	if monthYear {
		d = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return d.Format("2006-01-02"), nil
}

func coerceQuantity(v any) (any, error) {
	f := catalog.Field{FieldName: "quantity", FieldLabel: "Quantity", FieldType: "integer"}
	return coerceFieldValue(f, v)
}

// isBlank reports whether a required field counts as missing.
func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func parseItemID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequestf("Invalid item id '%s'", s)
	}
	return id, nil
}
