// Package VulnCheck implements the bearer-token VulnCheck client (spec.md
// §4.5(b), §4.8 step 6): queried by CPE only when a token is configured,
// enriching existing findings with hasPoC/cvssScore and adding new ones.
package VulnCheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/Types"
)

var baseURL = "https://api.vulncheck.com/v3/index/vulncheck-kev"

// Client queries the VulnCheck API. A Client with an empty token should
// never be constructed by callers — HasToken exists for that check at the
// Aggregator's call site.
type Client struct {
	fetcher *HTTPFetch.Fetcher
	token   string
	baseURL string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBaseURL overrides the default API base, for callers pointing at a
// local test server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// New constructs a VulnCheck client. token may be empty; callers must check
// HasToken before querying (§4.8 step 6: "only if token configured").
func New(fetcher *HTTPFetch.Fetcher, token string, opts ...Option) *Client {
	c := &Client{fetcher: fetcher, token: token, baseURL: baseURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasToken reports whether this client is usable.
func (c *Client) HasToken() bool { return c.token != "" }

// Tag identifies this source in SourceResult rows.
func (c *Client) Tag() string { return "VulnCheck" }

type response struct {
	Data []struct {
		CVE          []string `json:"cve"`
		VulnCheckKEV struct {
			KnownRansomwareUse bool `json:"known_ransomware_campaign_use"`
		} `json:"vulncheck_kev"`
		CVSSBaseScore float64 `json:"cvss_base_score"`
		ExploitExists bool    `json:"vulncheck_exploitation_details_exists"`
	} `json:"data"`
}

// QueryByCPE fetches VulnCheck's KEV-equivalent data for a CPE, returning
// canonical findings with HasPoC driven by exploit-evidence fields.
func (c *Client) QueryByCPE(ctx context.Context, cpe string) ([]Types.Finding, error) {
	if !c.HasToken() {
		return nil, Errors.New(Errors.SourceHTTPFetch, 506, "vulncheck queried without a configured token")
	}

	reqURL := fmt.Sprintf("%s?cpe=%s", c.baseURL, url.QueryEscape(cpe))
	req, err := c.authenticatedFetch(ctx, reqURL, "vulncheck:cpe:"+cpe)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(req, &resp); err != nil {
		return nil, Errors.New(Errors.SourceHTTPFetch, 507, "failed parsing VulnCheck response: "+err.Error())
	}

	var findings []Types.Finding
	for _, d := range resp.Data {
		for _, cveID := range d.CVE {
			findings = append(findings, Types.Finding{
				CVEID:     cveID,
				CVSSScore: d.CVSSBaseScore,
				HasPoC:    d.ExploitExists || d.VulnCheckKEV.KnownRansomwareUse,
				SourceTag: c.Tag(),
			})
		}
	}
	return findings, nil
}

func (c *Client) authenticatedFetch(ctx context.Context, reqURL, cacheKey string) ([]byte, error) {
	return c.fetcher.FetchWithAuth(ctx, reqURL, "application/json", "Bearer "+c.token, cacheKey, "", 24*time.Hour)
}
