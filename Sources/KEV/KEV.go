// Package KEV implements the CISA Known Exploited Vulnerabilities catalog
// client (spec.md §4.5(b), §4.8 step 5): a flat JSON download, searched by
// several derived terms until one matches. Grounded directly on
// other_examples' kev-check-demo internal/clients/kev.go — same source URL,
// same catalog parse shape — generalized from a cache.Cache/models.KEVInfo
// pairing into this engine's Cache.Store and Types.Finding.
package KEV

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/Types"
)

// catalogURL is the default feed location; WithCatalogURL overrides it per
// Client, which is how tests point it at a local httptest server.
var catalogURL = "https://raw.githubusercontent.com/cisagov/kev-data/main/known_exploited_vulnerabilities.json"

// Client fetches and searches the CISA KEV catalog.
type Client struct {
	fetcher *HTTPFetch.Fetcher
	catalog string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithCatalogURL overrides the default catalog URL, for callers that need
// to point at a mirror or a local test server.
func WithCatalogURL(url string) Option {
	return func(c *Client) { c.catalog = url }
}

// New constructs a KEV client.
func New(fetcher *HTTPFetch.Fetcher, opts ...Option) *Client {
	c := &Client{fetcher: fetcher, catalog: catalogURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tag identifies this source in SourceResult rows.
func (c *Client) Tag() string { return "CISA-KEV" }

type catalogDocument struct {
	CatalogVersion  string  `json:"catalogVersion"`
	DateReleased    string  `json:"dateReleased"`
	Count           int     `json:"count"`
	Vulnerabilities []entry `json:"vulnerabilities"`
}

type entry struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	ShortDescription  string `json:"shortDescription"`
}

// Refresh forces a re-download of the catalog, discarding any cached copy
// and caching the fresh one for SearchByTerms and ByCVEID — used by the
// `refresh` CLI subcommand (§6).
func (c *Client) Refresh(ctx context.Context) error {
	if err := c.fetcher.InvalidatePrefix("cisa-kev-catalog"); err != nil {
		return err
	}
	_, err := c.fetchCatalog(ctx)
	return err
}

// fetchCatalog loads the catalog, preferring the 24h-TTL cached copy.
func (c *Client) fetchCatalog(ctx context.Context) (catalogDocument, error) {
	body, err := c.fetcher.Fetch(ctx, c.catalog, "application/json", "cisa-kev-catalog", "", 24*time.Hour)
	if err != nil {
		return catalogDocument{}, err
	}
	var doc catalogDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return catalogDocument{}, Errors.New(Errors.SourceHTTPFetch, 504, "failed parsing KEV catalog: "+err.Error())
	}
	return doc, nil
}

// SearchByTerms returns every catalog entry whose product or vendor field
// contains any of terms (case-insensitive), stopping at the first term
// that yields at least one match (§4.8 step 5's "several search terms ...
// stopping at first match").
func (c *Client) SearchByTerms(ctx context.Context, terms []string) ([]Types.Finding, error) {
	doc, err := c.fetchCatalog(ctx)
	if err != nil {
		return nil, err
	}

	for _, term := range terms {
		needle := strings.ToLower(strings.TrimSpace(term))
		if needle == "" {
			continue
		}
		var matches []Types.Finding
		for _, e := range doc.Vulnerabilities {
			if strings.Contains(strings.ToLower(e.Product), needle) || strings.Contains(strings.ToLower(e.VendorProject), needle) {
				matches = append(matches, toFinding(e))
			}
		}
		if len(matches) > 0 {
			return matches, nil
		}
	}
	return nil, nil
}

// ByCVEID returns the KEV entry for a specific CVE, if it is catalogued.
func (c *Client) ByCVEID(ctx context.Context, cveID string) (Types.Finding, bool, error) {
	doc, err := c.fetchCatalog(ctx)
	if err != nil {
		return Types.Finding{}, false, err
	}
	for _, e := range doc.Vulnerabilities {
		if e.CVEID == cveID {
			return toFinding(e), true, nil
		}
	}
	return Types.Finding{}, false, nil
}

func toFinding(e entry) Types.Finding {
	f := Types.Finding{
		CVEID:       e.CVEID,
		Description: e.ShortDescription,
		InKEV:       true,
		HasPoC:      true,
		SourceTag:   "CISA-KEV",
	}
	if t, err := time.Parse("2006-01-02", e.DateAdded); err == nil {
		f.KEVDateAdded = &t
	}
	return f
}
