package rotator

import (
	"fmt"
	"math"
)

// RawPerDegree is the number of raw units in one degree.
const RawPerDegree = 100

// Rounding selects how fractional raw units are resolved.
type Rounding int

const (
	RoundNearest Rounding = iota
	RoundTruncate
)

func (r Rounding) String() string {
	if r == RoundTruncate {
		return "truncate"
	}
	return "nearest"
}

func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "", "nearest":
		return RoundNearest, nil
	case "truncate":
		return RoundTruncate, nil
	}
	return RoundNearest, fmt.Errorf("unknown rounding %q", s)
}

// ToRaw converts degrees to raw units, saturating at the int32 range.
func ToRaw(deg float64, r Rounding) int32 {
	v := deg * RawPerDegree
	if r == RoundTruncate {
		v = math.Trunc(v)
	} else {
		v = math.Round(v)
	}
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

func ToDegrees(raw int32) float64 {
	return float64(raw) / RawPerDegree
}
