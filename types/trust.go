package types

import (
	"fmt"
	"math"
	"strings"
)

// TrustDimensions is the fixed length of every trust vector.
const TrustDimensions = 6

// TrustFacetNames names the trust vector components in order.
var TrustFacetNames = [TrustDimensions]string{
	"reliability",
	"integrity",
	"competence",
	"transparency",
	"alignment",
	"provenance",
}

// TrustVector is an agent's six independently tracked trust facets, each in [0,1].
// The array type makes any other length unrepresentable.
type TrustVector [TrustDimensions]float64

// NewTrustVector validates raw input and converts it to a TrustVector.
func NewTrustVector(values []float64) (TrustVector, error) {
	var v TrustVector
	if len(values) != TrustDimensions {
		return v, Errorf(ErrInvalidTrustVector, "trust vector must have %d elements, got %d", TrustDimensions, len(values))
	}
	for i, x := range values {
		if math.IsNaN(x) || x < 0 || x > 1 {
			return v, Errorf(ErrInvalidInput, "trust facet %s out of range: %v", TrustFacetNames[i], x)
		}
		v[i] = x
	}
	return v, nil
}

// Slice returns the vector as a fresh slice.
func (v TrustVector) Slice() []float64 {
	out := make([]float64, TrustDimensions)
	copy(out, v[:])
	return out
}

// Mean returns the arithmetic mean of the facets.
func (v TrustVector) Mean() float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / TrustDimensions
}

// Min returns the lowest facet.
func (v TrustVector) Min() float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// Nudge adds delta to every facet, clamping each to [0,1].
func (v TrustVector) Nudge(delta float64) TrustVector {
	for i := range v {
		v[i] = Clamp01(v[i] + delta)
	}
	return v
}

// Clamp01 clamps x to [0,1].
func Clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// TrustLevel is the derived trust classification. Higher is more trusted;
// TrustCritical is the zero value so an unclassified agent is never trusted.
type TrustLevel int

const (
	TrustCritical TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
)

var trustLevelNames = [...]string{
	TrustCritical: "critical",
	TrustLow:      "low",
	TrustMedium:   "medium",
	TrustHigh:     "high",
}

// Valid reports whether l is a defined trust level.
func (l TrustLevel) Valid() bool {
	return l >= TrustCritical && l <= TrustHigh
}

func (l TrustLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("trust(%d)", int(l))
	}
	return trustLevelNames[l]
}

// MaxTier returns the highest tier an agent at this trust level may hold,
// independent of its nominal ceiling. The bool is false for critical agents,
// which are excluded from every tier.
func (l TrustLevel) MaxTier() (Tier, bool) {
	switch l {
	case TrustHigh:
		return TierDestructive, true
	case TrustMedium:
		return TierDeploy, true
	case TrustLow:
		return TierWrite, true
	default:
		return 0, false
	}
}

// Permits reports whether this trust level allows work at tier t.
func (l TrustLevel) Permits(t Tier) bool {
	maxTier, ok := l.MaxTier()
	return ok && t <= maxTier
}

// ParseTrustLevel parses a trust level name.
func ParseTrustLevel(s string) (TrustLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range trustLevelNames {
		if name == s {
			return TrustLevel(i), nil
		}
	}
	return 0, Errorf(ErrInvalidInput, "unknown trust level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l TrustLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *TrustLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseTrustLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
