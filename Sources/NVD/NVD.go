// Package NVD implements the NVD CVE API 2.0 client (spec.md §4.5(b)),
// queryable either by CPE 2.3 string or by a specific CVE ID. It never
// produces branch MSVs directly — the Aggregator derives those from the
// fixed versions NVD's CVSS/configuration data expose.
//
// Grounded on the teacher's App/CVE/CVEClient.go (same base URL, same
// CVSS-v3.1-preferred-over-v2 extraction, same JSON envelope), rebuilt to
// return canonical Types.Finding values as a normal error instead of
// panicking, and routed through HTTPFetch so it inherits rate limiting,
// retry/backoff, and file caching instead of a bare *http.Client.
package NVD

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/RateLimit"
	"github.com/antiginx/msv-engine/Types"
)

var baseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// Client queries the NVD CVE API 2.0.
type Client struct {
	fetcher *HTTPFetch.Fetcher
	apiKey  string
	baseURL string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBaseURL overrides the default API base, for callers pointing at a
// local test server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// New constructs an NVD client. apiKey may be empty; its presence only
// affects which rate-limiter bucket EnsureNVD selected upstream.
func New(fetcher *HTTPFetch.Fetcher, apiKey string, opts ...Option) *Client {
	c := &Client{fetcher: fetcher, apiKey: apiKey, baseURL: baseURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tag identifies this source in SourceResult rows.
func (c *Client) Tag() string { return "NVD" }

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID          string `json:"id"`
			Description struct {
				DescriptionData []struct {
					Lang  string `json:"lang"`
					Value string `json:"value"`
				} `json:"description_data"`
			} `json:"description"`
			Metrics struct {
				CVSSMetricV31 []struct {
					CVSSData struct {
						BaseScore    float64 `json:"baseScore"`
						BaseSeverity string  `json:"baseSeverity"`
					} `json:"cvssData"`
				} `json:"cvssMetricV31"`
				CVSSMetricV2 []struct {
					CVSSData struct {
						BaseScore float64 `json:"baseScore"`
					} `json:"cvssData"`
				} `json:"cvssMetricV2"`
			} `json:"metrics"`
			Configurations []struct {
				Nodes []struct {
					CPEMatch []struct {
						Criteria           string `json:"criteria"`
						VersionEndExcluding string `json:"versionEndExcluding"`
						VersionEndIncluding string `json:"versionEndIncluding"`
						Vulnerable          bool   `json:"vulnerable"`
					} `json:"cpeMatch"`
				} `json:"nodes"`
			} `json:"configurations"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// QueryByCPE fetches every CVE NVD associates with cpe, returning canonical
// findings with a best-effort fixed-version extracted from versionEndExcluding
// / versionEndIncluding when present.
func (c *Client) QueryByCPE(ctx context.Context, cpe string) ([]Types.Finding, error) {
	reqURL := fmt.Sprintf("%s?cpeName=%s&resultsPerPage=200", c.baseURL, url.QueryEscape(cpe))
	return c.query(ctx, reqURL, "nvd:cpe:"+cpe)
}

// QueryByCVEID fetches a single CVE record by ID.
func (c *Client) QueryByCVEID(ctx context.Context, cveID string) ([]Types.Finding, error) {
	reqURL := fmt.Sprintf("%s?cveId=%s", c.baseURL, url.QueryEscape(cveID))
	return c.query(ctx, reqURL, "nvd:cve:"+cveID)
}

func (c *Client) query(ctx context.Context, reqURL, cacheKey string) ([]Types.Finding, error) {
	body, err := c.fetcher.Fetch(ctx, reqURL, "application/json", cacheKey, RateLimit.NVD, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	var resp nvdResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, Errors.New(Errors.SourceHTTPFetch, 503, "failed parsing NVD response: "+err.Error())
	}

	findings := make([]Types.Finding, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		f := Types.Finding{CVEID: v.CVE.ID, SourceTag: c.Tag()}

		for _, d := range v.CVE.Description.DescriptionData {
			if d.Lang == "en" {
				f.Description = d.Value
				break
			}
		}

		if len(v.CVE.Metrics.CVSSMetricV31) > 0 {
			cvss := v.CVE.Metrics.CVSSMetricV31[0].CVSSData
			f.CVSSScore = cvss.BaseScore
			f.Severity = cvss.BaseSeverity
		} else if len(v.CVE.Metrics.CVSSMetricV2) > 0 {
			f.CVSSScore = v.CVE.Metrics.CVSSMetricV2[0].CVSSData.BaseScore
		}

		for _, cfg := range v.CVE.Configurations {
			for _, node := range cfg.Nodes {
				for _, m := range node.CPEMatch {
					if !m.Vulnerable {
						continue
					}
					if m.VersionEndExcluding != "" {
						f.FixedVersion = m.VersionEndExcluding
					} else if m.VersionEndIncluding != "" && f.FixedVersion == "" {
						f.FixedVersion = ">" + m.VersionEndIncluding
					}
				}
			}
		}

		findings = append(findings, f)
	}

	return findings, nil
}
