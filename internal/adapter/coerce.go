package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// asString renders a raw JSON value as a trimmed string.
func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", x))
	}
}

// asFloat coerces numbers and numeric strings. Thousands separators and a
// leading currency symbol are tolerated.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		s = strings.TrimPrefix(s, "$")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0", "":
			return false, true
		}
		return false, false
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}

// asCurrency treats empty strings, "0" and zero values as absent. Assessor
// exports use "0" for fields a parcel does not carry.
func asCurrency(v any) (float64, bool) {
	f, ok := asFloat(v)
	if !ok || f <= 0 {
		return 0, false
	}
	return f, true
}
