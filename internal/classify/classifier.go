// Package classify turns raw incident reports into a tier and priority via
// a first-match-wins rule cascade. Classification is pure: same report and
// config always give the same result, and nothing here touches shared state.
package classify

import (
	"strings"

	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

const (
	ReasonSafetyFlag     = "safety-flag"
	ReasonViolenceMatch  = "violence-keyword"
	ReasonHighRiskZone   = "high-risk-zone"
	ReasonSafetyKeyword  = "safety-keyword"
	ReasonDefault        = "default"
	ReasonMalformedInput = "malformed-input"
)

// Zone is an axis-aligned bounding box over lat/lon.
type Zone struct {
	Name           string
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func (z Zone) Contains(lat, lon float64) bool {
	return lat >= z.MinLat && lat <= z.MaxLat && lon >= z.MinLon && lon <= z.MaxLon
}

// Config holds the rule inputs. The keyword lists are deliberately plain
// configuration: the matching is substring-based and makes no claim to be a
// real threat-detection system.
type Config struct {
	ViolenceKeywords []string
	SafetyKeywords   []string
	Zones            []Zone

	EmergencyPriority int
	StandardPriority  int
}

// Default mirrors the keyword lists the original deployment shipped with.
func Default() Config {
	return Config{
		ViolenceKeywords: []string{
			"attack", "assault", "weapon", "knife", "gun", "threat",
			"stab", "shoot", "kidnap", "rape", "violence",
		},
		SafetyKeywords: []string{
			"followed", "following", "stalking", "harass", "harassment",
			"unsafe", "suspicious", "drunk", "catcall", "groping",
		},
		EmergencyPriority: 1,
		StandardPriority:  2,
	}
}

type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	if cfg.EmergencyPriority == 0 {
		cfg.EmergencyPriority = 1
	}
	if cfg.StandardPriority == 0 {
		cfg.StandardPriority = 2
	}
	return &Classifier{cfg: cfg}
}

// Classify runs the cascade, first match wins:
//  1. explicit safety flag      -> emergency
//  2. violence keyword match    -> emergency
//  3. inside a high-risk zone   -> emergency
//  4. general safety keyword    -> standard, tagged for enrichment
//  5. otherwise                 -> standard
//
// A nil or empty report never errors; it falls through to standard with a
// malformed-input reason so callers can flag it for manual review.
func (c *Classifier) Classify(r *domain.Report) domain.ClassificationResult {
	if r == nil {
		return domain.ClassificationResult{
			Tier:     domain.TierStandard,
			Priority: c.cfg.StandardPriority,
			Reasons:  []string{ReasonMalformedInput},
		}
	}

	if r.GenderSensitive {
		return c.emergency(ReasonSafetyFlag)
	}

	desc := strings.ToLower(r.Description)
	for _, kw := range c.cfg.ViolenceKeywords {
		if kw != "" && strings.Contains(desc, kw) {
			return c.emergency(ReasonViolenceMatch + ":" + kw)
		}
	}

	if r.HasLocation {
		for _, z := range c.cfg.Zones {
			if z.Contains(r.Lat, r.Lon) {
				return c.emergency(ReasonHighRiskZone + ":" + z.Name)
			}
		}
	}

	if desc == "" {
		return domain.ClassificationResult{
			Tier:     domain.TierStandard,
			Priority: c.cfg.StandardPriority,
			Reasons:  []string{ReasonMalformedInput},
		}
	}

	for _, kw := range c.cfg.SafetyKeywords {
		if kw != "" && strings.Contains(desc, kw) {
			return domain.ClassificationResult{
				Tier:     domain.TierStandard,
				Priority: c.cfg.StandardPriority,
				Reasons:  []string{ReasonSafetyKeyword + ":" + kw, "needs-enrichment"},
			}
		}
	}

	return domain.ClassificationResult{
		Tier:     domain.TierStandard,
		Priority: c.cfg.StandardPriority,
		Reasons:  []string{ReasonDefault},
	}
}

func (c *Classifier) emergency(reason string) domain.ClassificationResult {
	return domain.ClassificationResult{
		Tier:     domain.TierEmergency,
		Priority: c.cfg.EmergencyPriority,
		Reasons:  []string{reason},
	}
}
