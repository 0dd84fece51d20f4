package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

func TestSafetyFlagAlwaysEmergency(t *testing.T) {
	c := New(Default())
	res := c.Classify(&domain.Report{
		GenderSensitive: true,
		Description:     "followed near the market",
	})
	require.Equal(t, domain.TierEmergency, res.Tier)
	require.Equal(t, 1, res.Priority)
	require.Contains(t, res.Reasons, ReasonSafetyFlag)
}

func TestViolenceKeywordEmergency(t *testing.T) {
	c := New(Default())
	res := c.Classify(&domain.Report{Description: "a man with a knife near the school"})
	require.Equal(t, domain.TierEmergency, res.Tier)
	require.Equal(t, 1, res.Priority)
	assert.Contains(t, res.Reasons[0], ReasonViolenceMatch)
}

func TestHighRiskZoneEmergency(t *testing.T) {
	cfg := Default()
	cfg.Zones = []Zone{{Name: "old-town", MinLat: 23.7, MaxLat: 23.8, MinLon: 90.3, MaxLon: 90.4}}
	c := New(cfg)

	res := c.Classify(&domain.Report{
		Description: "streetlight broken",
		HasLocation: true,
		Lat:         23.75, Lon: 90.35,
	})
	require.Equal(t, domain.TierEmergency, res.Tier)
	assert.Contains(t, res.Reasons[0], ReasonHighRiskZone)

	outside := c.Classify(&domain.Report{
		Description: "streetlight broken",
		HasLocation: true,
		Lat:         22.0, Lon: 89.0,
	})
	assert.Equal(t, domain.TierStandard, outside.Tier)
}

func TestSafetyKeywordStandardWithEnrichment(t *testing.T) {
	c := New(Default())
	res := c.Classify(&domain.Report{Description: "someone suspicious hanging around"})
	require.Equal(t, domain.TierStandard, res.Tier)
	require.Equal(t, 2, res.Priority)
	assert.Contains(t, res.Reasons, "needs-enrichment")
}

func TestDefaultStandard(t *testing.T) {
	c := New(Default())
	res := c.Classify(&domain.Report{Description: "pothole on main road"})
	require.Equal(t, domain.TierStandard, res.Tier)
	require.Equal(t, []string{ReasonDefault}, res.Reasons)
}

func TestMalformedInputNeverPanics(t *testing.T) {
	c := New(Default())

	res := c.Classify(nil)
	require.Equal(t, domain.TierStandard, res.Tier)
	require.Equal(t, []string{ReasonMalformedInput}, res.Reasons)

	res = c.Classify(&domain.Report{})
	require.Equal(t, domain.TierStandard, res.Tier)
	require.Equal(t, []string{ReasonMalformedInput}, res.Reasons)
}

func TestFirstMatchWins(t *testing.T) {
	// safety flag beats a keyword that would also match
	c := New(Default())
	res := c.Classify(&domain.Report{
		GenderSensitive: true,
		Description:     "attacked with a weapon",
	})
	require.Equal(t, []string{ReasonSafetyFlag}, res.Reasons)
}

func TestDeterministic(t *testing.T) {
	c := New(Default())
	r := &domain.Report{Description: "being followed home"}
	first := c.Classify(r)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(r))
	}
}
