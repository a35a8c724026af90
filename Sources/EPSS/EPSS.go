// Package EPSS implements the Exploit Prediction Scoring System bulk-score
// client (spec.md §4.5(b), §4.8 step 9): enrichment only, queried in bulk
// for up to 30 CVE IDs at a time. Modeled on the same fetch-parse-enrich
// shape as Sources/KEV, since FIRST.org's EPSS API is shaped the same way
// as CISA's flat-JSON KEV catalog.
package EPSS

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/HTTPFetch"
)

var baseURL = "https://api.first.org/data/v1/epss"

// MaxBatch is the cap spec.md §4.8 step 9 imposes on a single EPSS query.
const MaxBatch = 30

// Client queries FIRST.org's EPSS API.
type Client struct {
	fetcher *HTTPFetch.Fetcher
	baseURL string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBaseURL overrides the default API base, for callers pointing at a
// local test server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// New constructs an EPSS client.
func New(fetcher *HTTPFetch.Fetcher, opts ...Option) *Client {
	c := &Client{fetcher: fetcher, baseURL: baseURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tag identifies this source in SourceResult rows.
func (c *Client) Tag() string { return "EPSS" }

type response struct {
	Data []struct {
		CVE     string `json:"cve"`
		EPSS    string `json:"epss"`
		Percent string `json:"percentile"`
	} `json:"data"`
}

// BulkScores returns a map of CVE ID to EPSS score for up to MaxBatch
// cveIDs; a longer list is truncated here to its first MaxBatch IDs and the
// rest are not scored (§4.8 step 9).
func (c *Client) BulkScores(ctx context.Context, cveIDs []string) (map[string]float64, error) {
	if len(cveIDs) == 0 {
		return map[string]float64{}, nil
	}
	if len(cveIDs) > MaxBatch {
		cveIDs = cveIDs[:MaxBatch]
	}

	reqURL := fmt.Sprintf("%s?cve=%s", c.baseURL, url.QueryEscape(strings.Join(cveIDs, ",")))
	body, err := c.fetcher.Fetch(ctx, reqURL, "application/json", "epss:"+strings.Join(cveIDs, ","), "", time.Hour)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, Errors.New(Errors.SourceHTTPFetch, 505, "failed parsing EPSS response: "+err.Error())
	}

	scores := make(map[string]float64, len(resp.Data))
	for _, d := range resp.Data {
		if v, err := strconv.ParseFloat(d.EPSS, 64); err == nil {
			scores[d.CVE] = v
		}
	}
	return scores, nil
}
