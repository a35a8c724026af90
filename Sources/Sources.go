// Package Sources defines the single VulnerabilitySource capability every
// advisory/CVE-feed/offline-DB client implements (spec.md §4.5, §9's
// "duck-typed source clients" redesign direction), and the factory that
// maps a vendor/product pair to its vendor advisory fetcher, generalizing
// the teacher's App/Registry/test_registry.go and
// App/execution/strategy/test_strategies_registry.go registry pattern from
// test-strategy lookup to vendor-fetcher lookup.
package Sources

import (
	"context"

	"github.com/antiginx/msv-engine/Types"
)

// VulnerabilitySource is implemented by every family of source client:
// vendor advisory fetchers, the offline vuln DB client, NVD, CISA KEV,
// EPSS, and VulnCheck.
type VulnerabilitySource interface {
	Query(ctx context.Context, spec Types.ProductSpec) (Types.SourceOutput, error)
	Tag() string
}

// VendorFetcherFactory resolves a vendor/product pair to a dedicated
// VulnerabilitySource, or ok=false when no fetcher exists for that pair —
// mirroring the "vendor/product → variant map" the redesign notes call for.
type VendorFetcherFactory struct {
	fetchers map[string]VulnerabilitySource
}

// NewVendorFetcherFactory builds an empty factory; call Register for each
// vendor advisory fetcher at program start.
func NewVendorFetcherFactory() *VendorFetcherFactory {
	return &VendorFetcherFactory{fetchers: make(map[string]VulnerabilitySource)}
}

func key(vendor, product string) string {
	return vendor + "/" + product
}

// Register associates a vendor/product pair with its fetcher.
func (f *VendorFetcherFactory) Register(vendor, product string, source VulnerabilitySource) {
	f.fetchers[key(vendor, product)] = source
}

// Lookup returns the registered fetcher for vendor/product, if any.
func (f *VendorFetcherFactory) Lookup(vendor, product string) (VulnerabilitySource, bool) {
	s, ok := f.fetchers[key(vendor, product)]
	return s, ok
}
