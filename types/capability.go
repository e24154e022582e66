package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// Capability is a skill an agent advertises. The set is closed.
type Capability string

const (
	CapabilityCodeGeneration Capability = "code_generation"
	CapabilityCodeReview     Capability = "code_review"
	CapabilityTesting        Capability = "testing"
	CapabilityDeployment     Capability = "deployment"
	CapabilityMonitoring     Capability = "monitoring"
	CapabilitySecurityAudit  Capability = "security_audit"
	CapabilityDataAnalysis   Capability = "data_analysis"
	CapabilityDocumentation  Capability = "documentation"
)

// AllCapabilities returns the closed capability set in declaration order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityCodeGeneration,
		CapabilityCodeReview,
		CapabilityTesting,
		CapabilityDeployment,
		CapabilityMonitoring,
		CapabilitySecurityAudit,
		CapabilityDataAnalysis,
		CapabilityDocumentation,
	}
}

// Valid reports whether c belongs to the closed set.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityCodeGeneration, CapabilityCodeReview, CapabilityTesting, CapabilityDeployment,
		CapabilityMonitoring, CapabilitySecurityAudit, CapabilityDataAnalysis, CapabilityDocumentation:
		return true
	default:
		return false
	}
}

// ParseCapability parses a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", Errorf(ErrInvalidInput, "unknown capability %q", s)
	}
	return c, nil
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set, rejecting unknown capabilities.
func NewCapabilitySet(caps ...Capability) (CapabilitySet, error) {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if !c.Valid() {
			return nil, Errorf(ErrInvalidInput, "unknown capability %q", c)
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the members in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted list.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a list of capability names.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []Capability
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set, err := NewCapabilitySet(names...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
