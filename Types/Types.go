// Package Types holds the canonical domain model shared by every layer of
// the MSV engine: catalog entries, CVE findings, branch MSVs, and the
// aggregated/scored results built from them (spec.md §3). Centralizing
// these avoids the "heterogeneous CVE payloads" problem each source client
// would otherwise reinvent — every source adapter projects its native
// response into a Finding before handing it to the Aggregator, matching the
// "canonical Finding tagged union" redesign direction.
package Types

import "time"

// Priority is a catalog entry's triage priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// CatalogEntry is one product row in the software catalog (§3).
type CatalogEntry struct {
	ProductID       string   `json:"productId"`
	Vendor          string   `json:"vendor"`
	Product         string   `json:"product"`
	DisplayName     string   `json:"displayName"`
	CPE             string   `json:"cpe,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
	Category        string   `json:"category,omitempty"`
	Priority        Priority `json:"priority,omitempty"`
	Platforms       []string `json:"platforms,omitempty"`
	VersionPattern  string   `json:"versionPattern,omitempty"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
	LatestVersion   string   `json:"latestVersion,omitempty"`
	OSComponent     bool     `json:"osComponent,omitempty"`
	EOL             bool     `json:"eol,omitempty"`
	Variants        []string `json:"variants,omitempty"`
}

// ProductSpec is the resolved input handed to source clients: enough of a
// CatalogEntry to query without leaking catalog-internal concerns (the
// resolution alias list, for instance).
type ProductSpec struct {
	ProductID       string
	Vendor          string
	Product         string
	DisplayName     string
	CPE             string
	VersionPattern  string
	ExcludePatterns []string
	LatestVersion   string
}

// FromCatalogEntry builds a ProductSpec from a resolved CatalogEntry.
func FromCatalogEntry(e CatalogEntry) ProductSpec {
	return ProductSpec{
		ProductID:       e.ProductID,
		Vendor:          e.Vendor,
		Product:         e.Product,
		DisplayName:     e.DisplayName,
		CPE:             e.CPE,
		VersionPattern:  e.VersionPattern,
		ExcludePatterns: e.ExcludePatterns,
		LatestVersion:   e.LatestVersion,
	}
}

// Finding is a single CVE data point, canonicalized from whatever source
// emitted it (§3's "CVE finding").
type Finding struct {
	CVEID         string     `json:"cveId"`
	Description   string     `json:"description,omitempty"`
	FixedVersion  string     `json:"fixedVersion,omitempty"`
	AffectedRange string     `json:"affectedRange,omitempty"`
	Severity      string     `json:"severity,omitempty"`
	CVSSScore     float64    `json:"cvssScore,omitempty"`
	EPSSScore     float64    `json:"epssScore,omitempty"`
	InKEV         bool       `json:"inKev"`
	HasPoC        bool       `json:"hasPoc"`
	KEVDateAdded  *time.Time `json:"kevDateAdded,omitempty"`
	SourceTag     string     `json:"sourceTag,omitempty"`
}

// BranchMSV is the per-release-line MSV summary (§3).
type BranchMSV struct {
	Branch        string   `json:"branch"`
	MSV           string   `json:"msv"`
	LatestKnown   string   `json:"latestKnown,omitempty"`
	NoSafeVersion bool     `json:"noSafeVersion"`
	CVEIDs        []string `json:"cveIds,omitempty"`
}

// SourceResult records whether one named source was consulted and what it
// contributed (§3, §4.8 step 13).
type SourceResult struct {
	SourceName         string `json:"sourceName"`
	Queried            bool   `json:"queried"`
	CVECountContribute int    `json:"cveCountContributed"`
	Note               string `json:"note,omitempty"`
}

// SourceOutput is what every VulnerabilitySource.Query implementation
// returns (§4.5's source contract).
type SourceOutput struct {
	Branches  []BranchMSV
	Findings  []Finding
	SourceTag string
	Note      string
}

// AggregatedResult is the Aggregator's public output (§3).
type AggregatedResult struct {
	ProductID          string         `json:"productId"`
	Branches           []BranchMSV    `json:"branches"`
	Findings           []Finding      `json:"findings"`
	SourceResults      []SourceResult `json:"sourceResults"`
	MinimumSafeVersion string         `json:"minimumSafeVersion,omitempty"`
	RecommendedVersion string         `json:"recommendedVersion,omitempty"`
	HasKevCVEs         bool           `json:"hasKevCves"`
	Timestamp          time.Time      `json:"timestamp"`
	FromCache          bool           `json:"fromCache"`
}

// Confidence is the coarse cache-entry confidence tag (§3).
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AdmiraltyRating is the two-symbol evidence grade described in §4.10 and
// the GLOSSARY.
type AdmiraltyRating struct {
	Rating            string `json:"rating"`
	ReliabilityLetter string `json:"reliabilityLetter"`
	CredibilityDigit  string `json:"credibilityDigit"`
	Description       string `json:"description"`
}

// RiskLevel buckets the 0-100 risk score (§4.10).
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
	RiskInfo     RiskLevel = "INFO"
)

// Action is one of the action-generator's recommendations (§4.10).
type Action string

const (
	ActionNone              Action = "NO_ACTION"
	ActionUpgradeRecommend  Action = "UPGRADE_RECOMMENDED"
	ActionUpgradeCritical   Action = "UPGRADE_CRITICAL"
	ActionMonitor           Action = "MONITOR"
	ActionInvestigate       Action = "INVESTIGATE"
)

// ScoredResult is the Coordinator's final output: the aggregated evidence
// plus the scoring layer's verdict and the optional compliance comparison
// against a user-supplied installed version (§4.11).
type ScoredResult struct {
	ProductID          string          `json:"productId"`
	DisplayName        string          `json:"displayName"`
	MinimumSafeVersion string          `json:"minimumSafeVersion"`
	RecommendedVersion string          `json:"recommendedVersion,omitempty"`
	Branches           []BranchMSV     `json:"branches"`
	Rating             AdmiraltyRating `json:"rating"`
	RiskScore          int             `json:"riskScore"`
	RiskLevel          RiskLevel       `json:"riskLevel"`
	Action             Action          `json:"action"`
	ActionHeadline     string          `json:"actionHeadline,omitempty"`
	CurrentVersion     string          `json:"currentVersion,omitempty"`
	ComplianceVerdict  string          `json:"complianceVerdict,omitempty"`
	HasKevCVEs         bool            `json:"hasKevCves"`
	SourceResults      []SourceResult  `json:"sourceResults"`
	FromCache          bool            `json:"fromCache"`
	Variants           []VariantMSV    `json:"variants,omitempty"`
}

// VariantMSV carries one variant's scored result when a catalog entry has
// children queried independently (§4.11).
type VariantMSV struct {
	VariantID string       `json:"variantId"`
	Result    ScoredResult `json:"result"`
}

// ComplianceStatus is one Batch Executor row's verdict (§4.12).
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "COMPLIANT"
	StatusNonCompliant ComplianceStatus = "NON_COMPLIANT"
	StatusOutdated     ComplianceStatus = "OUTDATED"
	StatusUnknown      ComplianceStatus = "UNKNOWN"
	StatusNotFound     ComplianceStatus = "NOT_FOUND"
	StatusError        ComplianceStatus = "ERROR"
)

// ComplianceResult is one Batch Executor output row.
type ComplianceResult struct {
	Item             string           `json:"item"`
	ProductID        string           `json:"productId,omitempty"`
	InstalledVersion string           `json:"installedVersion,omitempty"`
	Status           ComplianceStatus `json:"status"`
	Action           Action           `json:"action,omitempty"`
	Error            string           `json:"error,omitempty"`
}
