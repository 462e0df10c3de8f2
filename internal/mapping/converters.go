package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Converter transforms a single field value.
type Converter func(value any) any

// converters is the named converter registry. Names are part of the
// mapping-rule surface, so additions are fine but renames are breaking.
var converters = map[string]Converter{
	"padLeft10":         padLeftN(10),
	"padLeft40":         padLeftN(40),
	"toUpperCase":       func(v any) any { return strings.ToUpper(stringify(v)) },
	"toLowerCase":       func(v any) any { return strings.ToLower(stringify(v)) },
	"trim":              func(v any) any { return strings.TrimSpace(stringify(v)) },
	"stripLeadingZeros": stripLeadingZeros,
	"toDate":            toDate,
	"toDecimal":         toDecimal,
	"toInteger":         toInteger,
	"boolYN":            func(v any) any { return truthy(v) },
	"boolTF":            boolTF,
}

// LookupConverter resolves a named converter.
func LookupConverter(name string) (Converter, bool) {
	c, ok := converters[name]
	return c, ok
}

func padLeftN(width int) Converter {
	return func(v any) any {
		s := stringify(v)
		if len(s) >= width {
			return s
		}
		return strings.Repeat("0", width-len(s)) + s
	}
}

func stripLeadingZeros(v any) any {
	s := strings.TrimLeft(stringify(v), "0")
	if s == "" {
		return "0"
	}
	return s
}

// toDate normalizes YYYYMMDD and slash-separated date forms to ISO
// YYYY-MM-DD. Null passes through; unrecognized input is returned as is.
func toDate(v any) any {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return nil
	}
	if len(s) == 8 && isDigits(s) {
		return s[0:4] + "-" + s[4:6] + "-" + s[6:8]
	}
	if parts := strings.Split(s, "/"); len(parts) == 3 {
		// Either YYYY/MM/DD or MM/DD/YYYY.
		if len(parts[0]) == 4 {
			return parts[0] + "-" + pad2(parts[1]) + "-" + pad2(parts[2])
		}
		if len(parts[2]) == 4 {
			return parts[2] + "-" + pad2(parts[0]) + "-" + pad2(parts[1])
		}
	}
	return s
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func toDecimal(v any) any {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(stringify(v)), 64)
	if err != nil {
		return float64(0)
	}
	return f
}

func toInteger(v any) any {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(math.Trunc(n))
	}
	s := strings.TrimSpace(stringify(v))
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(math.Trunc(f))
	}
	return 0
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	}
	switch strings.ToUpper(strings.TrimSpace(stringify(v))) {
	case "", "N", "NO", "FALSE", "F", "0":
		return false
	default:
		return true
	}
}

func boolTF(v any) any {
	if truthy(v) {
		return "T"
	}
	return "F"
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
