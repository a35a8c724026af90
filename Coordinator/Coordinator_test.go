package Coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiginx/msv-engine/Aggregator"
	"github.com/antiginx/msv-engine/Catalog"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/MSVCache"
	"github.com/antiginx/msv-engine/Sources"
	"github.com/antiginx/msv-engine/Sources/KEV"
	"github.com/antiginx/msv-engine/Sources/Vendor"
	"github.com/antiginx/msv-engine/Types"
)

func writeCatalog(t *testing.T, entries []Types.CatalogEntry) *Catalog.Catalog {
	t.Helper()
	doc := map[string]interface{}{
		"_metadata": map[string]string{"version": "1"},
		"software":  entries,
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cat, err := Catalog.Load(path)
	require.NoError(t, err)
	return cat
}

func withKEVClient(t *testing.T) *KEV.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": []}`))
	}))
	t.Cleanup(srv.Close)
	return KEV.New(HTTPFetch.New(), KEV.WithCatalogURL(srv.URL))
}

func TestQueryMSV_UnknownProductReturnsError(t *testing.T) {
	cat := writeCatalog(t, nil)
	agg := Aggregator.New(MSVCache.NewStore(filepath.Join(t.TempDir(), "c.json")), nil, nil, nil, nil, nil, nil, 24*time.Hour)
	c := New(cat, agg)

	_, err := c.QueryMSV(context.Background(), "nonexistent", Options{})
	assert.Error(t, err)
}

func TestQueryMSV_OSComponentNeverContactsSources(t *testing.T) {
	cat := writeCatalog(t, []Types.CatalogEntry{
		{ProductID: "win-ps", Vendor: "microsoft", Product: "powershell", DisplayName: "Windows PowerShell", OSComponent: true},
	})
	// Aggregator left fully nil: Aggregate never yields the "N/A (OS
	// Component)" MSV, so seeing it proves the short-circuit fired.
	agg := Aggregator.New(nil, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	c := New(cat, agg)

	result, err := c.QueryMSV(context.Background(), "win-ps", Options{})
	require.NoError(t, err)
	assert.Equal(t, "N/A (OS Component)", result.MinimumSafeVersion)
	assert.Equal(t, Types.ActionMonitor, result.Action)
	assert.Contains(t, result.ActionHeadline, "KEEP WINDOWS UPDATED")
}

func TestQueryMSV_EOLShortCircuits(t *testing.T) {
	cat := writeCatalog(t, []Types.CatalogEntry{
		{ProductID: "old-thing", Vendor: "acme", Product: "old", DisplayName: "Acme Old Thing", EOL: true},
	})
	agg := Aggregator.New(nil, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	c := New(cat, agg)

	result, err := c.QueryMSV(context.Background(), "old-thing", Options{})
	require.NoError(t, err)
	assert.Equal(t, "UNSUPPORTED", result.MinimumSafeVersion)
	assert.Equal(t, Types.ActionUpgradeCritical, result.Action)
	assert.Equal(t, "END OF LIFE", result.ActionHeadline)
}

func TestQueryMSV_VariantParentRecursesIntoChildren(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-5555", "product_status": {"fixed": [{"branch": "DC", "fixedVersion": "24.5.0"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := writeCatalog(t, []Types.CatalogEntry{
		{ProductID: "acrobat", Vendor: "adobe", Product: "acrobat", DisplayName: "Adobe Acrobat", Variants: []string{"acrobat-dc"}},
		{ProductID: "acrobat-dc", Vendor: "adobe", Product: "acrobat-dc", DisplayName: "Adobe Acrobat DC"},
	})

	vendorFactory := Sources.NewVendorFetcherFactory()
	vendorFactory.Register("adobe", "acrobat-dc", Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "adobe", IndexURL: srv.URL + "/index.json"}))

	kev := withKEVClient(t)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, vendorFactory, nil, kev, nil, nil, nil, 24*time.Hour)
	c := New(cat, agg)

	result, err := c.QueryMSV(context.Background(), "acrobat", Options{})
	require.NoError(t, err)
	assert.Empty(t, result.MinimumSafeVersion)
	require.Len(t, result.Variants, 1)
	assert.Equal(t, "acrobat-dc", result.Variants[0].VariantID)
	assert.Equal(t, "24.5.0", result.Variants[0].Result.MinimumSafeVersion)
}

func TestQueryMSV_ComplianceVerdictNonCompliant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-7777", "product_status": {"fixed": [{"branch": "9.0", "fixedVersion": "9.0.110"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := writeCatalog(t, []Types.CatalogEntry{
		{ProductID: "widget", Vendor: "acme", Product: "widget", DisplayName: "Acme Widget"},
	})

	vendorFactory := Sources.NewVendorFetcherFactory()
	vendorFactory.Register("acme", "widget", Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "acme", IndexURL: srv.URL + "/index.json"}))

	kev := withKEVClient(t)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, vendorFactory, nil, kev, nil, nil, nil, 24*time.Hour)
	c := New(cat, agg)

	result, err := c.QueryMSV(context.Background(), "widget", Options{CurrentVersion: "9.0.90"})
	require.NoError(t, err)
	assert.Equal(t, "9.0.110", result.MinimumSafeVersion)
	assert.Equal(t, string(Types.StatusNonCompliant), result.ComplianceVerdict)
	assert.True(t, result.Rating.Rating == "A2" || result.Rating.Rating == "A1")
}

func TestQueryMSV_ConcurrentIdenticalQueriesCollapseIntoOneFetch(t *testing.T) {
	var hits int64
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-9999", "product_status": {"fixed": [{"branch": "1.0", "fixedVersion": "1.0.5"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := writeCatalog(t, []Types.CatalogEntry{
		{ProductID: "widget", Vendor: "acme", Product: "widget", DisplayName: "Acme Widget"},
	})

	vendorFactory := Sources.NewVendorFetcherFactory()
	vendorFactory.Register("acme", "widget", Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "acme", IndexURL: srv.URL + "/index.json"}))

	kev := withKEVClient(t)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, vendorFactory, nil, kev, nil, nil, nil, 24*time.Hour)
	c := New(cat, agg)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.QueryMSV(context.Background(), "widget", Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&hits), int64(2), "concurrent identical queries should collapse via singleflight")
}
