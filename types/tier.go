package types

import (
	"fmt"
	"strings"
)

// Tier is the governance permission ladder. Higher values permit riskier actions.
type Tier int

const (
	TierReadOnly Tier = iota
	TierWrite
	TierExecute
	TierDeploy
	TierAdmin
	TierDestructive
)

// TierCount is the number of defined tiers.
const TierCount = int(TierDestructive) + 1

var tierNames = [...]string{
	TierReadOnly:    "read_only",
	TierWrite:       "write",
	TierExecute:     "execute",
	TierDeploy:      "deploy",
	TierAdmin:       "admin",
	TierDestructive: "destructive",
}

// AllTiers returns every tier from lowest to highest.
func AllTiers() []Tier {
	return []Tier{TierReadOnly, TierWrite, TierExecute, TierDeploy, TierAdmin, TierDestructive}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= TierReadOnly && t <= TierDestructive
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier parses a tier name such as "deploy".
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return 0, Errorf(ErrInvalidInput, "unknown governance tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, Errorf(ErrInvalidInput, "invalid governance tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
