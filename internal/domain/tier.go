package domain

import "fmt"

// Tier is the priority class of a job. Routing code switches on Tier
// exhaustively; adding a value here without handling it everywhere is a
// compile-away bug we accept in exchange for never silently dropping one.
type Tier int

const (
	TierEmergency Tier = iota
	TierStandard
	TierBackground
	TierAnalytics
	TierEmail
	TierDevice
)

var tierNames = map[Tier]string{
	TierEmergency:  "emergency",
	TierStandard:   "standard",
	TierBackground: "background",
	TierAnalytics:  "analytics",
	TierEmail:      "email",
	TierDevice:     "device",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// AllTiers returns every tier in routing order, highest urgency first.
func AllTiers() []Tier {
	return []Tier{TierEmergency, TierStandard, TierBackground, TierAnalytics, TierEmail, TierDevice}
}

func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return TierStandard, fmt.Errorf("unknown tier %q", s)
}
