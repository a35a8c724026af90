// Package Aggregator implements the Evidence Aggregator (spec.md §4.8), the
// core of the engine: a single deterministic, sequential pass over every
// configured vulnerability source that produces one AggregatedResult per
// product. Source order matters — later steps consult what earlier steps
// already found — so, unlike the Batch Executor (§4.12), nothing in here
// runs concurrently.
package Aggregator

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/antiginx/msv-engine/MSVCache"
	"github.com/antiginx/msv-engine/Scoring"
	"github.com/antiginx/msv-engine/Sources"
	"github.com/antiginx/msv-engine/Sources/EPSS"
	"github.com/antiginx/msv-engine/Sources/KEV"
	"github.com/antiginx/msv-engine/Sources/NVD"
	"github.com/antiginx/msv-engine/Sources/VulnCheck"
	"github.com/antiginx/msv-engine/OfflineDB"
	"github.com/antiginx/msv-engine/Types"
	"github.com/antiginx/msv-engine/Version"
)

// Options tunes a single Aggregate call (§4.8 step 1).
type Options struct {
	ForceRefresh bool
	MaxAge       time.Duration
}

// nvdCVEBatchLimit is the "first ≤5 findings still lacking a fixed version"
// cap from §4.8 step 8.
const nvdCVEBatchLimit = 5

// offlineDBMinCVSS is the minimum-severity floor applied to offline DB
// results before anything else touches them (§4.8 step 4).
const offlineDBMinCVSS = 4.0

// Aggregator wires every configured vulnerability source together. Any
// field left nil is treated as "not configured" and the corresponding
// SourceResult records queried=false with a reason (§4.8 step 13).
type Aggregator struct {
	msvCache      *MSVCache.Store
	vendorFactory *Sources.VendorFetcherFactory
	offlineDB     *OfflineDB.Client
	kev           *KEV.Client
	vulnCheck     *VulnCheck.Client
	nvd           *NVD.Client
	epss          *EPSS.Client
	maxAge        time.Duration
}

// New constructs an Aggregator. Any source argument may be nil to disable
// it; defaultMaxAge is the §4.8 step 1 freshness window (default 24h).
func New(msvCache *MSVCache.Store, vendorFactory *Sources.VendorFetcherFactory, offlineDB *OfflineDB.Client,
	kev *KEV.Client, vulnCheck *VulnCheck.Client, nvd *NVD.Client, epss *EPSS.Client, defaultMaxAge time.Duration) *Aggregator {
	return &Aggregator{
		msvCache: msvCache, vendorFactory: vendorFactory, offlineDB: offlineDB,
		kev: kev, vulnCheck: vulnCheck, nvd: nvd, epss: epss, maxAge: defaultMaxAge,
	}
}

// findingSet is a CVEID-keyed accumulator for findings so later steps can
// enrich an existing finding rather than duplicate it (§4.8 step 5/6/9).
type findingSet struct {
	order []string
	byID  map[string]*Types.Finding
}

func newFindingSet() *findingSet {
	return &findingSet{byID: make(map[string]*Types.Finding)}
}

func (fs *findingSet) upsert(f Types.Finding) *Types.Finding {
	if f.CVEID == "" {
		fs.order = append(fs.order, "")
		cp := f
		fs.byID[""] = &cp
		return fs.byID[""]
	}
	if existing, ok := fs.byID[f.CVEID]; ok {
		return existing
	}
	cp := f
	fs.byID[f.CVEID] = &cp
	fs.order = append(fs.order, f.CVEID)
	return fs.byID[f.CVEID]
}

func (fs *findingSet) list() []Types.Finding {
	out := make([]Types.Finding, 0, len(fs.order))
	for _, id := range fs.order {
		out = append(out, *fs.byID[id])
	}
	return out
}

// Aggregate runs the full §4.8 orchestration for one product.
func (a *Aggregator) Aggregate(ctx context.Context, entry Types.CatalogEntry, opts Options) (Types.AggregatedResult, error) {
	spec := Types.FromCatalogEntry(entry)
	maxAge := a.maxAge
	if opts.MaxAge > 0 {
		maxAge = opts.MaxAge
	}

	// Step 1: MSV cache consultation.
	if a.msvCache != nil && !opts.ForceRefresh {
		if cached, ok, err := a.msvCache.Get(entry.Vendor, entry.Product); err == nil && ok {
			if MSVCache.IsComplete(cached) && !MSVCache.IsStale(cached, int(maxAge.Hours())) {
				result := cached.Result
				result.FromCache = true
				return result, nil
			}
		}
	}
	if a.msvCache != nil && opts.ForceRefresh {
		if err := a.msvCache.Delete(entry.Vendor, entry.Product); err != nil {
			return Types.AggregatedResult{}, err
		}
	}

	findings := newFindingSet()
	var branches []Types.BranchMSV
	var sourceResults []Types.SourceResult
	var msv, recommended string
	hasVendor := false

	// Step 3: vendor advisory.
	if a.vendorFactory != nil {
		if fetcher, ok := a.vendorFactory.Lookup(entry.Vendor, entry.Product); ok {
			if opts.ForceRefresh {
				if invalidator, ok := fetcher.(interface{ InvalidateCache() error }); ok {
					_ = invalidator.InvalidateCache()
				}
			}

			out, err := fetcher.Query(ctx, spec)
			if err != nil || len(out.Branches) == 0 {
				note := "fetch failed"
				if err == nil {
					note = "no branches returned"
				}
				sourceResults = append(sourceResults, Types.SourceResult{SourceName: fetcher.Tag(), Queried: true, Note: note})
			} else {
				hasVendor = true
				for _, b := range out.Branches {
					b.NoSafeVersion = b.MSV != "" && b.LatestKnown != "" && Version.Compare(b.MSV, b.LatestKnown) > 0
					branches = append(branches, b)
				}
				for _, f := range out.Findings {
					findings.upsert(f)
				}
				sourceResults = append(sourceResults, Types.SourceResult{SourceName: fetcher.Tag(), Queried: true, CVECountContribute: len(out.Findings)})
			}
		}
	}

	// Step 4: offline vuln DB, only when no vendor advisory fired.
	if !hasVendor && a.offlineDB != nil && entry.CPE != "" {
		offFindings, err := a.offlineDB.SearchByCPE(ctx, entry.CPE, OfflineDB.QueryOptions{MinCVSS: offlineDBMinCVSS, ExcludeMalware: true})
		if err != nil {
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.offlineDB.Tag(), Queried: true, Note: "query failed"})
		} else {
			kept := filterFindings(offFindings, entry.VersionPattern, entry.ExcludePatterns)
			for _, f := range kept {
				findings.upsert(f)
			}
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.offlineDB.Tag(), Queried: true, CVECountContribute: len(kept)})

			if msv == "" {
				if fixed := fixedVersionsOf(kept); len(fixed) > 0 {
					msv = Version.FindMinimumSafeVersion(fixed)
					recommended = msv
				}
			}
		}
	} else if a.offlineDB != nil {
		sourceResults = append(sourceResults, skipped(a.offlineDB.Tag(), skipReason(hasVendor, entry.CPE)))
	}

	// Step 5: CISA KEV, always attempted.
	if a.kev != nil {
		terms := searchTerms(entry)
		kevFindings, err := a.kev.SearchByTerms(ctx, terms)
		if err != nil {
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.kev.Tag(), Queried: true, Note: "query failed"})
		} else {
			count := 0
			for _, kf := range kevFindings {
				existing := findings.upsert(Types.Finding{CVEID: kf.CVEID, SourceTag: a.kev.Tag()})
				existing.InKEV = true
				existing.HasPoC = true
				if kf.KEVDateAdded != nil {
					existing.KEVDateAdded = kf.KEVDateAdded
				}
				if existing.Description == "" {
					existing.Description = kf.Description
				}
				count++
			}
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.kev.Tag(), Queried: true, CVECountContribute: count})
		}
	}

	// Step 6: VulnCheck, only when configured with a token and a CPE exists.
	if a.vulnCheck != nil && a.vulnCheck.HasToken() && entry.CPE != "" {
		vcFindings, err := a.vulnCheck.QueryByCPE(ctx, entry.CPE)
		if err != nil {
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.vulnCheck.Tag(), Queried: true, Note: "query failed"})
		} else {
			count := 0
			for _, vf := range vcFindings {
				existing := findings.upsert(Types.Finding{CVEID: vf.CVEID, SourceTag: a.vulnCheck.Tag()})
				existing.HasPoC = existing.HasPoC || vf.HasPoC
				if existing.CVSSScore == 0 {
					existing.CVSSScore = vf.CVSSScore
				}
				count++
			}
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.vulnCheck.Tag(), Queried: true, CVECountContribute: count})
		}
	} else if a.vulnCheck != nil {
		sourceResults = append(sourceResults, skipped(a.vulnCheck.Tag(), "no token configured or no CPE"))
	}

	// Step 7: NVD by CPE, conditionally.
	if a.nvd != nil && entry.CPE != "" {
		reason := nvdByCPEReason(findings.list(), entry.LatestVersion)
		if reason != "" {
			nvdFindings, err := a.nvd.QueryByCPE(ctx, entry.CPE)
			if err != nil {
				sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.nvd.Tag(), Queried: true, Note: reason + "; query failed"})
			} else {
				kept := filterFindings(nvdFindings, entry.VersionPattern, entry.ExcludePatterns)
				for _, f := range kept {
					existing := findings.upsert(f)
					if existing.FixedVersion == "" {
						existing.FixedVersion = f.FixedVersion
					}
					if existing.CVSSScore == 0 {
						existing.CVSSScore = f.CVSSScore
					}
				}
				sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.nvd.Tag() + ":cpe", Queried: true, Note: reason, CVECountContribute: len(kept)})

				if msv == "" {
					if fixed := fixedVersionsOf(kept); len(fixed) > 0 {
						msv = Version.FindMinimumSafeVersion(fixed)
						recommended = msv
					}
				}
			}
		} else {
			sourceResults = append(sourceResults, skipped(a.nvd.Tag()+":cpe", "existing findings already have fixed versions"))
		}
	}

	// Step 8: NVD by CVE ID for the first few findings still missing a fix.
	if a.nvd != nil {
		missing := 0
		enriched := 0
		for _, id := range findings.order {
			if id == "" || missing >= nvdCVEBatchLimit {
				continue
			}
			f := findings.byID[id]
			if f.FixedVersion != "" {
				continue
			}
			missing++
			byID, err := a.nvd.QueryByCVEID(ctx, id)
			if err != nil || len(byID) == 0 {
				continue
			}
			f.FixedVersion = byID[0].FixedVersion
			if f.CVSSScore == 0 {
				f.CVSSScore = byID[0].CVSSScore
			}
			if f.Description == "" {
				f.Description = byID[0].Description
			}
			enriched++
		}
		sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.nvd.Tag() + ":cveid", Queried: true, CVECountContribute: enriched})
	}

	// Step 9: EPSS bulk scoring.
	if a.epss != nil {
		var ids []string
		for _, id := range findings.order {
			if id != "" {
				ids = append(ids, id)
			}
		}
		scores, err := a.epss.BulkScores(ctx, ids)
		if err != nil {
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.epss.Tag(), Queried: true, Note: "query failed"})
		} else {
			for id, score := range scores {
				if f, ok := findings.byID[id]; ok {
					f.EPSSScore = score
				}
			}
			sourceResults = append(sourceResults, Types.SourceResult{SourceName: a.epss.Tag(), Queried: true, CVECountContribute: len(scores)})
		}
	}

	allFindings := findings.list()

	// Step 10: hasKevCves.
	hasKevCVEs := false
	for _, f := range allFindings {
		if f.InKEV {
			hasKevCVEs = true
			break
		}
	}

	// Step 11: synthesize a default branch when nothing structured one.
	if len(branches) == 0 && msv != "" {
		branches = []Types.BranchMSV{{Branch: "default", MSV: msv, LatestKnown: msv}}
	}

	// Step 12: recompute MSV/recommended across branches.
	if len(branches) > 0 {
		msvs := make([]string, 0, len(branches))
		for _, b := range branches {
			if b.MSV != "" {
				msvs = append(msvs, b.MSV)
			}
		}
		if len(msvs) > 0 {
			msv = Version.Sort(msvs)[0]
			recommended = Version.Sort(msvs)[len(msvs)-1]
			if entry.LatestVersion != "" && Version.Compare(entry.LatestVersion, recommended) > 0 {
				recommended = entry.LatestVersion
			}
		}
	}

	// Step 13: build the full per-source result list, including untouched sources.
	sourceResults = completeSourceResults(sourceResults, a)

	result := Types.AggregatedResult{
		ProductID:          entry.ProductID,
		Branches:           branches,
		Findings:           allFindings,
		SourceResults:      sourceResults,
		MinimumSafeVersion: msv,
		RecommendedVersion: recommended,
		HasKevCVEs:         hasKevCVEs,
		Timestamp:          time.Now(),
		FromCache:          false,
	}

	// Step 14: persist.
	if a.msvCache != nil {
		cacheEntry := MSVCache.Entry{
			Result:                  result,
			CVECount:                len(allFindings),
			HasZeroCVEJustification: len(allFindings) == 0,
		}
		if err := a.msvCache.Update(entry.Vendor, entry.Product, cacheEntry); err != nil {
			return result, err
		}
	}

	return result, nil
}

func skipped(name, reason string) Types.SourceResult {
	return Types.SourceResult{SourceName: name, Queried: false, Note: reason}
}

func skipReason(hasVendor bool, cpe string) string {
	if hasVendor {
		return "vendor advisory already produced branches"
	}
	if cpe == "" {
		return "no CPE on catalog entry"
	}
	return "skipped"
}

// searchTerms derives the CISA KEV search candidates from §4.8 step 5:
// product name, its underscore-split segments, the last word of the
// display name, then each alias.
func searchTerms(entry Types.CatalogEntry) []string {
	var terms []string
	if entry.Product != "" {
		terms = append(terms, entry.Product)
		terms = append(terms, strings.Split(entry.Product, "_")...)
	}
	if entry.DisplayName != "" {
		words := strings.Fields(entry.DisplayName)
		if len(words) > 0 {
			terms = append(terms, words[len(words)-1])
		}
	}
	terms = append(terms, entry.Aliases...)
	return terms
}

// nvdByCPEReason implements §4.8 step 7's three-way OR condition, returning
// an empty string when NVD-by-CPE should be skipped.
func nvdByCPEReason(findings []Types.Finding, latestVersion string) string {
	if len(findings) == 0 {
		return "no findings yet"
	}

	anyFixed := false
	var fixedVersions []string
	for _, f := range findings {
		if f.FixedVersion != "" {
			anyFixed = true
			fixedVersions = append(fixedVersions, f.FixedVersion)
		}
	}
	if !anyFixed {
		return "no finding has a fixed version"
	}

	if Scoring.DetectVersionSchemeMismatch(fixedVersions, latestVersion, Scoring.VersionSchemeMismatchFactor) {
		return "version mismatch"
	}
	return ""
}

func filterFindings(in []Types.Finding, versionPattern string, excludePatterns []string) []Types.Finding {
	var versionRe *regexp.Regexp
	if versionPattern != "" {
		versionRe, _ = regexp.Compile(versionPattern)
	}
	excludeRes := make([]*regexp.Regexp, 0, len(excludePatterns))
	for _, p := range excludePatterns {
		if re, err := regexp.Compile(p); err == nil {
			excludeRes = append(excludeRes, re)
		}
	}

	out := make([]Types.Finding, 0, len(in))
	for _, f := range in {
		if versionRe != nil && f.FixedVersion != "" && !versionRe.MatchString(f.FixedVersion) {
			continue
		}
		excluded := false
		for _, re := range excludeRes {
			if re.MatchString(f.Description) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		out = append(out, f)
	}
	return out
}

func fixedVersionsOf(findings []Types.Finding) []string {
	var out []string
	for _, f := range findings {
		if f.FixedVersion != "" && !strings.HasPrefix(f.FixedVersion, ">") {
			out = append(out, f.FixedVersion)
		}
	}
	return out
}

// completeSourceResults fills in queried=false rows for every source the
// loop above didn't already report on, configured or not, so the output
// always enumerates the full source roster (§4.8 step 13).
func completeSourceResults(existing []Types.SourceResult, a *Aggregator) []Types.SourceResult {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		name := strings.TrimSuffix(r.SourceName, ":cpe")
		name = strings.TrimSuffix(name, ":cveid")
		seen[name] = true
	}

	add := func(tag string, present bool) {
		if seen[tag] {
			return
		}
		reason := "not configured"
		if present {
			reason = "not queried"
		}
		existing = append(existing, skipped(tag, reason))
	}

	add("CISA-KEV", a.kev != nil)
	add("VulnCheck", a.vulnCheck != nil)
	add("NVD", a.nvd != nil)
	add("EPSS", a.epss != nil)
	add("AppThreat", a.offlineDB != nil)

	return existing
}
