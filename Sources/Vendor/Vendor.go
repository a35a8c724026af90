// Package Vendor implements the vendor advisory fetcher family (spec.md
// §4.5(a)): one source per vendor ecosystem, each reading a CSAF-style JSON
// advisory index, deriving per-branch MSVs from vendor-asserted fixed
// versions, and falling back to a small hard-coded "known latest per
// branch" table when the feed is unreachable.
//
// Rather than hand-writing one file per vendor (the source's own
// App/execution/strategy family registers one Go file per test strategy —
// App/execution/strategy/test_strategy.go — the same one-struct-per-variant
// shape this package follows), a single data-driven Fetcher is
// parameterized by a CSAFAdvisorySource description so every vendor in the
// catalog gets one without duplicating the CSAF-parsing logic.
package Vendor

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/Helpers"
	"github.com/antiginx/msv-engine/Types"
	"github.com/antiginx/msv-engine/Version"
)

// disputedKeywords mark a CVE as withdrawn by its vendor; these are never
// surfaced as findings regardless of the caller's own ExcludePatterns.
var disputedKeywords = []string{"disputed", "rejected", "withdrawn"}

// FallbackBranch is one row of a vendor's hard-coded "known latest per
// branch" table, used only when the live feed is unreachable (§4.5(a)).
type FallbackBranch struct {
	Branch string
	MSV    string
}

// Source describes one vendor's CSAF-style advisory index: the index URL
// (returning a list of per-advisory document URLs), and a fallback table.
type Source struct {
	VendorName   string
	ProductName  string
	IndexURL     string
	Fallback     []FallbackBranch
}

// csafIndex is the minimal shape this engine needs from a CSAF advisory
// index: a list of document URLs to fetch individually.
type csafIndex struct {
	Documents []string `json:"documents"`
}

// csafDocument is the minimal shape needed from one CSAF advisory document:
// the CVE ID, a free-text note, and the per-branch "product status / fixed
// version" assertions CSAF calls "product_status.fixed" entries, flattened
// here to (branch, fixedVersion) pairs.
type csafDocument struct {
	Vulnerabilities []csafVulnerability `json:"vulnerabilities"`
}

type csafVulnerability struct {
	CVE   string `json:"cve"`
	Notes []struct {
		Category string `json:"category"`
		Text     string `json:"text"`
	} `json:"notes"`
	ProductStatus struct {
		Fixed []struct {
			Branch       string `json:"branch"`
			FixedVersion string `json:"fixedVersion"`
		} `json:"fixed"`
	} `json:"product_status"`
}

// noteText concatenates a vulnerability's notes for exclude-pattern
// matching against description text (§4.8 step 4's excludePatterns check,
// applied here too since vendor feeds carry the same description field).
func (v csafVulnerability) noteText() string {
	out := ""
	for _, n := range v.Notes {
		out += n.Text + " "
	}
	return out
}

var branchSplitRe = regexp.MustCompile(`^(\d+\.\d+)`)

// Fetcher queries one vendor's CSAF-style advisory feed.
type Fetcher struct {
	fetcher *HTTPFetch.Fetcher
	source  Source
}

// New constructs a vendor advisory fetcher for the given source description.
func New(httpFetcher *HTTPFetch.Fetcher, source Source) *Fetcher {
	return &Fetcher{fetcher: httpFetcher, source: source}
}

// Tag identifies this source in SourceResult rows.
func (f *Fetcher) Tag() string { return "vendor:" + f.source.VendorName }

// InvalidateCache clears every cached advisory index/document for this
// vendor, so a force-refresh request re-fetches from the live feed rather
// than serving a stale cached copy (§4.8 step 3).
func (f *Fetcher) InvalidateCache() error {
	return f.fetcher.InvalidatePrefix("vendor:" + f.source.VendorName + ":")
}

// Query implements Sources.VulnerabilitySource. On any fetch/parse failure
// it falls back to the hard-coded table (§4.5(a)), marking the result
// degraded via Note rather than returning an error — a vendor feed outage
// must not be fatal to the aggregation (§4.8 step 3, §7 error kind 2).
func (f *Fetcher) Query(ctx context.Context, spec Types.ProductSpec) (Types.SourceOutput, error) {
	branches, findings, err := f.queryLive(ctx, spec)
	if err == nil && len(branches) > 0 {
		return Types.SourceOutput{Branches: branches, Findings: findings, SourceTag: f.Tag()}, nil
	}

	if len(f.source.Fallback) == 0 {
		return Types.SourceOutput{SourceTag: f.Tag(), Note: "fetch failed, no fallback table"}, nil
	}

	fallbackBranches := make([]Types.BranchMSV, 0, len(f.source.Fallback))
	for _, fb := range f.source.Fallback {
		fallbackBranches = append(fallbackBranches, Types.BranchMSV{
			Branch:      fb.Branch,
			MSV:         fb.MSV,
			LatestKnown: fb.MSV,
		})
	}
	return Types.SourceOutput{
		Branches:  fallbackBranches,
		SourceTag: f.Tag(),
		Note:      "degraded: served from fallback table, live feed unavailable",
	}, nil
}

func (f *Fetcher) queryLive(ctx context.Context, spec Types.ProductSpec) ([]Types.BranchMSV, []Types.Finding, error) {
	indexBody, err := f.fetcher.Fetch(ctx, f.source.IndexURL, "application/json", "vendor:"+f.source.VendorName+":index", "", 4*time.Hour)
	if err != nil {
		return nil, nil, err
	}

	var index csafIndex
	if err := json.Unmarshal(indexBody, &index); err != nil {
		return nil, nil, Errors.New(Errors.SourceHTTPFetch, 508, "failed parsing CSAF index: "+err.Error())
	}

	branchMax := make(map[string]string)
	branchCVEs := make(map[string][]string)
	var findings []Types.Finding

	for _, docURL := range index.Documents {
		docBody, err := f.fetcher.Fetch(ctx, docURL, "application/json", "vendor:"+f.source.VendorName+":doc:"+docURL, "", 4*time.Hour)
		if err != nil {
			continue
		}

		var doc csafDocument
		if err := json.Unmarshal(docBody, &doc); err != nil {
			continue
		}

		for _, vuln := range doc.Vulnerabilities {
			if matchesAny(spec.ExcludePatterns, vuln.noteText()) {
				continue
			}
			if Helpers.ContainsAny(vuln.noteText(), disputedKeywords) {
				continue
			}

			finding := Types.Finding{CVEID: vuln.CVE, SourceTag: f.Tag()}

			for _, fixed := range vuln.ProductStatus.Fixed {
				branch := fixed.Branch
				if branch == "" {
					branch = deriveBranch(fixed.FixedVersion)
				}
				if branch == "" {
					continue
				}
				if !Version.IsValidVersion(fixed.FixedVersion) {
					continue
				}
				if spec.VersionPattern != "" {
					re, err := regexp.Compile(spec.VersionPattern)
					if err == nil && !re.MatchString(fixed.FixedVersion) {
						continue
					}
				}

				finding.FixedVersion = fixed.FixedVersion
				if cur, ok := branchMax[branch]; !ok || Version.Compare(fixed.FixedVersion, cur) > 0 {
					branchMax[branch] = fixed.FixedVersion
				}
				branchCVEs[branch] = append(branchCVEs[branch], vuln.CVE)
			}

			findings = append(findings, finding)
		}
	}

	branchNames := make([]string, 0, len(branchMax))
	for branch := range branchMax {
		branchNames = append(branchNames, branch)
	}
	sort.Strings(branchNames)

	branches := make([]Types.BranchMSV, 0, len(branchMax))
	for _, branch := range branchNames {
		branches = append(branches, Types.BranchMSV{
			Branch:      branch,
			MSV:         branchMax[branch],
			LatestKnown: branchMax[branch],
			CVEIDs:      Helpers.RemoveDuplicates(branchCVEs[branch]),
		})
	}

	return branches, findings, nil
}

func deriveBranch(version string) string {
	m := branchSplitRe.FindStringSubmatch(version)
	if m == nil {
		return ""
	}
	return m[1]
}

func matchesAny(patterns []string, text string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
