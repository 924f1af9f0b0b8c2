package projection

import (
	"fmt"
	"math"
	"strings"
)

// Curve shapes the weight falloff across a seam between two overlapping
// cameras. t is 0 at the outer edge of a camera's coverage and 1 where the
// camera is fully trusted.
type Curve int

const (
	// Linear falls off proportionally to the distance into the overlap.
	Linear Curve = iota
	// Cosine eases in and out with a raised cosine.
	Cosine
)

// String returns the curve name.
func (c Curve) String() string {
	switch c {
	case Linear:
		return "linear"
	case Cosine:
		return "cosine"
	default:
		return "unknown"
	}
}

// ParseCurve parses a feather curve name.
func ParseCurve(s string) (Curve, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return Linear, nil
	case "cosine", "cos":
		return Cosine, nil
	default:
		return 0, fmt.Errorf("unknown feather curve: %q (use linear or cosine)", s)
	}
}

// Weight evaluates the curve at t, clamped to [0, 1].
func (c Curve) Weight(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	if c == Cosine {
		return 0.5 - 0.5*math.Cos(math.Pi*t)
	}
	return t
}

// featherWeight returns the raw weight of a camera at the given coverage
// (max of |u| and |v| in tangent space) for a tile overlap margin m.
func featherWeight(c Curve, coverage, m float64) float64 {
	if coverage > 1+m {
		return 0
	}
	if m <= 0 {
		return 1
	}
	return c.Weight((1 + m - coverage) / (2 * m))
}
