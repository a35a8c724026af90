// Package Coordinator implements queryMSV (spec.md §4.11), the engine's
// single public entry point: it resolves a free-form product name through
// the Catalog, applies the osComponent/eol/variant short-circuits before
// ever touching a network or cache, and otherwise hands off to the
// Aggregator and Scoring packages to produce one Types.ScoredResult.
//
// Grounded on the teacher's App/main.go orchestration (resolve input, run
// the pipeline, attach compliance display), generalized from "run a named
// test suite" to "score a named product, recursing one level into
// declared variants".
package Coordinator

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/antiginx/msv-engine/Aggregator"
	"github.com/antiginx/msv-engine/Catalog"
	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/Scoring"
	"github.com/antiginx/msv-engine/Types"
	"github.com/antiginx/msv-engine/Version"
)

// Options tunes a single queryMSV call.
type Options struct {
	// CurrentVersion is the caller's installed version, used only for the
	// compliance display attached to the result; it never changes what
	// evidence is gathered.
	CurrentVersion string
	ForceRefresh   bool
}

// Coordinator resolves product names and scores them.
type Coordinator struct {
	catalog    *Catalog.Catalog
	aggregator *Aggregator.Aggregator
	sf         singleflight.Group
}

// New wires a Catalog and Aggregator together.
func New(catalog *Catalog.Catalog, aggregator *Aggregator.Aggregator) *Coordinator {
	return &Coordinator{catalog: catalog, aggregator: aggregator}
}

// QueryMSV resolves name via the catalog and produces a scored result
// (§4.11). Resolution failure is the one error kind that propagates to the
// CLI layer uncaught (§7 error kind 1); every source-level failure inside
// Aggregate is already absorbed into SourceResults.
func (c *Coordinator) QueryMSV(ctx context.Context, name string, opts Options) (Types.ScoredResult, error) {
	entry, err := c.catalog.Resolve(name)
	if err != nil {
		return Types.ScoredResult{}, err
	}
	return c.queryEntry(ctx, entry, opts)
}

func (c *Coordinator) queryEntry(ctx context.Context, entry Types.CatalogEntry, opts Options) (Types.ScoredResult, error) {
	if entry.OSComponent {
		return osComponentResult(entry, opts), nil
	}
	if entry.EOL {
		return eolResult(entry, opts), nil
	}
	if len(entry.Variants) > 0 {
		return c.variantParentResult(ctx, entry, opts)
	}

	agg, err := c.aggregate(ctx, entry, opts)
	if err != nil {
		return Types.ScoredResult{}, Errors.New(Errors.SourceCoordinator, 970, "aggregation failed: "+err.Error())
	}

	return score(entry, agg, opts), nil
}

// aggregate collapses concurrent identical Aggregate calls for the same
// product into one, grounded on the singleflight.Group pattern used by the
// Kubernaut query executor's context API: a batch check listing the same
// product many times (or two callers racing the same query) should hit the
// sources once, not once per caller. Keyed on ForceRefresh too, since a
// forced re-query must never be satisfied by a concurrent cached-path call.
func (c *Coordinator) aggregate(ctx context.Context, entry Types.CatalogEntry, opts Options) (Types.AggregatedResult, error) {
	key := entry.ProductID
	if opts.ForceRefresh {
		key += ":force"
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.aggregator.Aggregate(ctx, entry, Aggregator.Options{ForceRefresh: opts.ForceRefresh})
	})
	if err != nil {
		return Types.AggregatedResult{}, err
	}
	return v.(Types.AggregatedResult), nil
}

// variantParentResult recurses one level into each declared variant ID,
// without synthesizing an MSV of its own (§4.7's "resolution stops at the
// parent; variants are queried by the Coordinator with their own IDs").
func (c *Coordinator) variantParentResult(ctx context.Context, entry Types.CatalogEntry, opts Options) (Types.ScoredResult, error) {
	result := Types.ScoredResult{
		ProductID:   entry.ProductID,
		DisplayName: entry.DisplayName,
		Action:      Types.ActionInvestigate,
		ActionHeadline: "variant parent: see per-variant results",
	}

	for _, variantID := range entry.Variants {
		variantEntry, ok := c.catalog.Get(variantID)
		if !ok {
			result.Variants = append(result.Variants, Types.VariantMSV{
				VariantID: variantID,
				Result: Types.ScoredResult{
					ProductID: variantID,
					Action:    Types.ActionInvestigate,
				},
			})
			continue
		}

		variantResult, err := c.queryEntry(ctx, variantEntry, opts)
		if err != nil {
			variantResult = Types.ScoredResult{ProductID: variantEntry.ProductID, Action: Types.ActionInvestigate, ActionHeadline: err.Error()}
		}
		result.Variants = append(result.Variants, Types.VariantMSV{VariantID: variantID, Result: variantResult})
	}

	return result, nil
}

func osComponentResult(entry Types.CatalogEntry, opts Options) Types.ScoredResult {
	return Types.ScoredResult{
		ProductID:          entry.ProductID,
		DisplayName:        entry.DisplayName,
		MinimumSafeVersion: "N/A (OS Component)",
		Rating:             Scoring.Rate(Scoring.RatingInputs{HasVendorAdvisory: true, MSVDetermined: true}),
		RiskLevel:          Types.RiskInfo,
		Action:             Types.ActionMonitor,
		ActionHeadline:     "KEEP WINDOWS UPDATED",
		CurrentVersion:     opts.CurrentVersion,
	}
}

func eolResult(entry Types.CatalogEntry, opts Options) Types.ScoredResult {
	return Types.ScoredResult{
		ProductID:          entry.ProductID,
		DisplayName:        entry.DisplayName,
		MinimumSafeVersion: "UNSUPPORTED",
		Rating:             Scoring.Rate(Scoring.RatingInputs{HasKevCVEs: false, HasVendorAdvisory: true, MSVDetermined: true}),
		RiskLevel:          Types.RiskCritical,
		Action:             Types.ActionUpgradeCritical,
		ActionHeadline:     "END OF LIFE",
		CurrentVersion:     opts.CurrentVersion,
	}
}

// score folds an AggregatedResult through the Scoring package into a
// ScoredResult, attaching the caller's currentVersion for the compliance
// display only (§4.11).
func score(entry Types.CatalogEntry, agg Types.AggregatedResult, opts Options) Types.ScoredResult {
	msvDetermined := agg.MinimumSafeVersion != ""

	var maxEPSS, avgEPSS, maxCVSS float64
	var anyPoC, hasVulnCheckPoC bool
	kevCount := 0
	if len(agg.Findings) > 0 {
		var sumEPSS float64
		for _, f := range agg.Findings {
			if f.EPSSScore > maxEPSS {
				maxEPSS = f.EPSSScore
			}
			sumEPSS += f.EPSSScore
			if f.CVSSScore > maxCVSS {
				maxCVSS = f.CVSSScore
			}
			if f.HasPoC {
				anyPoC = true
				if f.SourceTag == "VulnCheck" {
					hasVulnCheckPoC = true
				}
			}
			if f.InKEV {
				kevCount++
			}
		}
		avgEPSS = sumEPSS / float64(len(agg.Findings))
	}

	rating := Scoring.Rate(Scoring.RatingInputs{
		HasVendorAdvisory: hasVendorAdvisory(agg),
		HasCveData:        len(agg.Findings) > 0,
		CVECount:          len(agg.Findings),
		MSVDetermined:     msvDetermined,
		HasKevCVEs:        agg.HasKevCVEs,
		HasVulnCheckPoC:   hasVulnCheckPoC,
		MaxEPSS:           maxEPSS,
	})

	riskScore := Scoring.Score(Scoring.RiskInputs{
		KEVCount:      kevCount,
		MaxEPSS:       maxEPSS,
		AvgEPSS:       avgEPSS,
		AnyPoC:        anyPoC,
		CVECount:      len(agg.Findings),
		MaxCVSS:       maxCVSS,
		MSVDetermined: msvDetermined,
		DataAgeHours:  Scoring.DataAgeHours(agg.Timestamp),
	})
	riskLevel := Scoring.Level(riskScore)

	actionResult := Scoring.DecideAction(Scoring.ActionInputs{
		RiskLevel:          riskLevel,
		HasKevCVEs:         agg.HasKevCVEs,
		MSVDetermined:      msvDetermined,
		MinimumSafeVersion: agg.MinimumSafeVersion,
		CurrentVersion:     opts.CurrentVersion,
		EOL:                entry.EOL,
		OSComponent:        entry.OSComponent,
	})

	result := Types.ScoredResult{
		ProductID:          entry.ProductID,
		DisplayName:        entry.DisplayName,
		MinimumSafeVersion: agg.MinimumSafeVersion,
		RecommendedVersion: agg.RecommendedVersion,
		Branches:           agg.Branches,
		Rating:             rating,
		RiskScore:          riskScore,
		RiskLevel:          riskLevel,
		Action:             actionResult.Action,
		ActionHeadline:     actionResult.Headline,
		CurrentVersion:     opts.CurrentVersion,
		HasKevCVEs:         agg.HasKevCVEs,
		SourceResults:      agg.SourceResults,
		FromCache:          agg.FromCache,
	}

	if opts.CurrentVersion != "" && msvDetermined {
		result.ComplianceVerdict = complianceVerdict(opts.CurrentVersion, agg.MinimumSafeVersion, agg.RecommendedVersion)
	}

	return result
}

// hasVendorAdvisory reports whether a dedicated vendor fetcher structured
// at least one branch, as opposed to the Aggregator's single synthesized
// "default" branch (§4.8 step 11, used when no source shaped one).
func hasVendorAdvisory(agg Types.AggregatedResult) bool {
	for _, b := range agg.Branches {
		if b.Branch != "default" {
			return true
		}
	}
	return false
}

func complianceVerdict(current, msv, recommended string) string {
	if Version.Compare(current, msv) < 0 {
		return string(Types.StatusNonCompliant)
	}
	if recommended != "" && Version.Compare(current, recommended) < 0 {
		return string(Types.StatusOutdated)
	}
	return string(Types.StatusCompliant)
}
