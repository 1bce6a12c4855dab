package qbxml

import (
	"math"
	"strconv"
	"strings"
)

// SafeFloat converts a qbXML amount to float64. Empty, "null", non-numeric and
// non-finite input yield def. The boolean reports whether raw was a usable
// number, so callers can decide whether the fallback is worth logging.
func SafeFloat(raw string, def float64) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return def, false
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return def, false
	}

	return v, true
}
