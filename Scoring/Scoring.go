// Package Scoring implements the Admiralty confidence rating, the 0-100
// risk score, the version-scheme mismatch detector, and the action
// generator described in spec.md §4.10. It consumes an AggregatedResult and
// never talks to a network or cache itself, mirroring the teacher's
// App/Reporter family splitting "compute a verdict from evidence already in
// hand" from "go fetch more evidence".
package Scoring

import (
	"math"
	"time"

	"github.com/antiginx/msv-engine/Types"
	"github.com/antiginx/msv-engine/Version"
)

// RatingInputs is the evidence set the Admiralty rating function switches
// on (§4.10).
type RatingInputs struct {
	HasVendorAdvisory bool
	HasCveData        bool
	CVECount          int
	MSVDetermined     bool
	HasKevCVEs        bool
	HasVulnCheckPoC   bool
	MaxEPSS           float64
}

// EPSSRatingThreshold is the "EPSS ≥ threshold" cutoff for a B3 rating.
const EPSSRatingThreshold = 0.5

// Rate computes the Admiralty MSV rating (§4.10). Branches are evaluated
// strongest evidence class first, so CISA KEV evidence (A1) outranks a
// vendor advisory (A2) when both are present.
func Rate(in RatingInputs) Types.AdmiraltyRating {
	switch {
	case in.HasKevCVEs && in.MSVDetermined:
		return rating("A1", "A", "1", "CISA KEV evidence with a confirmed fixed version")
	case in.HasVendorAdvisory && in.MSVDetermined:
		return rating("A2", "A", "2", "vendor advisory confirms a fixed version")
	case in.HasVulnCheckPoC && in.MSVDetermined:
		return rating("B2", "B", "2", "known exploit activity with a confirmed fixed version")
	case in.MaxEPSS >= EPSSRatingThreshold && in.MSVDetermined:
		return rating("B3", "B", "3", "high exploit-prediction score with a confirmed fixed version")
	case in.HasCveData && !in.MSVDetermined:
		return rating("C4", "C", "4", "CVE data present but no fixed version could be determined")
	default:
		return rating("F6", "F", "6", "no usable vulnerability evidence was found")
	}
}

func rating(code, letter, digit, desc string) Types.AdmiraltyRating {
	return Types.AdmiraltyRating{Rating: code, ReliabilityLetter: letter, CredibilityDigit: digit, Description: desc}
}

// RiskInputs is the evidence set the risk score formula consumes (§4.10).
type RiskInputs struct {
	KEVCount      int
	MaxEPSS       float64
	AvgEPSS       float64
	AnyPoC        bool
	CVECount      int
	MaxCVSS       float64
	MSVDetermined bool
	DataAgeHours  float64
}

// Score computes the 0-100 risk score as a weighted sum of four capped
// components, clamped to [0, 100] (§4.10).
func Score(in RiskInputs) int {
	total := kevComponent(in.KEVCount) + epssComponent(in.MaxEPSS, in.AvgEPSS, in.AnyPoC) +
		cveComponent(in.CVECount, in.MaxCVSS) + uncertaintyComponent(in.CVECount, in.MSVDetermined, in.DataAgeHours)

	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	return total
}

func kevComponent(kevCount int) int {
	if kevCount == 0 {
		return 0
	}
	score := 30 + 2*(kevCount-1)
	if score > 40 {
		score = 40
	}
	return score
}

func epssComponent(maxEPSS, avgEPSS float64, anyPoC bool) int {
	score := int(math.Round((0.7*maxEPSS + 0.3*avgEPSS) * 25))
	if anyPoC {
		score += 5
	}
	if score > 30 {
		score = 30
	}
	return score
}

func cveComponent(cveCount int, maxCVSS float64) int {
	volume := int(math.Round(math.Log2(float64(cveCount)+1) * 2.5))
	if volume > 10 {
		volume = 10
	}
	score := volume + int(math.Round(maxCVSS))
	if score > 20 {
		score = 20
	}
	return score
}

func uncertaintyComponent(cveCount int, msvDetermined bool, dataAgeHours float64) int {
	score := 0
	if cveCount > 0 && !msvDetermined {
		score += 7
	}
	if dataAgeHours > 168 {
		score += 3
	}
	if score > 10 {
		score = 10
	}
	return score
}

// Level maps a risk score to its bucket (§4.10).
func Level(score int) Types.RiskLevel {
	switch {
	case score >= 80:
		return Types.RiskCritical
	case score >= 60:
		return Types.RiskHigh
	case score >= 40:
		return Types.RiskMedium
	case score >= 20:
		return Types.RiskLow
	default:
		return Types.RiskInfo
	}
}

// VersionSchemeMismatchFactor is the default leading-component ratio beyond
// which fixed versions and latestVersion are considered different
// versioning schemes (§4.8 step 7's "configurable factor").
const VersionSchemeMismatchFactor = 3.0

// DetectVersionSchemeMismatch reports whether the majority of fixedVersions
// have a leading numeric component differing from latestVersion's by more
// than factor, e.g. fixed "1.4.2" vs latest "24.1" (§4.8 step 7, §4.10).
func DetectVersionSchemeMismatch(fixedVersions []string, latestVersion string, factor float64) bool {
	if latestVersion == "" || len(fixedVersions) == 0 {
		return false
	}
	latestLead, ok := Version.LeadingComponent(latestVersion)
	if !ok || latestLead == 0 {
		return false
	}

	mismatches := 0
	considered := 0
	for _, fv := range fixedVersions {
		lead, ok := Version.LeadingComponent(fv)
		if !ok {
			continue
		}
		considered++
		ratio := float64(latestLead) / float64(lead)
		if ratio < 1 {
			ratio = 1 / ratio
		}
		if ratio > factor {
			mismatches++
		}
	}
	if considered == 0 {
		return false
	}
	return mismatches*2 > considered
}

// ActionInputs is the evidence the action generator switches on (§4.10).
type ActionInputs struct {
	RiskLevel        Types.RiskLevel
	HasKevCVEs       bool
	MSVDetermined    bool
	MinimumSafeVersion string
	CurrentVersion   string
	EOL              bool
	OSComponent      bool
}

// ActionResult is the action generator's verdict plus its display headline.
type ActionResult struct {
	Action   Types.Action
	Headline string
}

// DecideAction applies the two catalog overrides first, then falls back to
// a risk-driven recommendation (§4.10).
func DecideAction(in ActionInputs) ActionResult {
	if in.EOL {
		return ActionResult{Action: Types.ActionUpgradeCritical, Headline: "END OF LIFE"}
	}
	if in.OSComponent {
		return ActionResult{Action: Types.ActionMonitor, Headline: "KEEP WINDOWS UPDATED"}
	}

	if !in.MSVDetermined {
		return ActionResult{Action: Types.ActionInvestigate, Headline: "version could not be determined"}
	}

	compliant := in.CurrentVersion != "" && Version.Compare(in.CurrentVersion, in.MinimumSafeVersion) >= 0

	switch {
	case in.HasKevCVEs && !compliant:
		return ActionResult{Action: Types.ActionUpgradeCritical, Headline: "actively exploited vulnerability"}
	case !compliant && (in.RiskLevel == Types.RiskCritical || in.RiskLevel == Types.RiskHigh):
		return ActionResult{Action: Types.ActionUpgradeCritical, Headline: "high risk, upgrade immediately"}
	case !compliant && in.RiskLevel == Types.RiskMedium:
		return ActionResult{Action: Types.ActionUpgradeRecommend, Headline: "upgrade recommended"}
	case !compliant:
		return ActionResult{Action: Types.ActionMonitor, Headline: "below minimum safe version"}
	case in.RiskLevel == Types.RiskLow || in.RiskLevel == Types.RiskMedium:
		return ActionResult{Action: Types.ActionMonitor, Headline: "monitor for new advisories"}
	default:
		return ActionResult{Action: Types.ActionNone, Headline: "no action required"}
	}
}

// DataAgeHours is a small helper so callers don't each reimplement
// time.Since(...).Hours() at the call site.
func DataAgeHours(timestamp time.Time) float64 {
	return time.Since(timestamp).Hours()
}
