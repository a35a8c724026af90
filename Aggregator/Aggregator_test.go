package Aggregator

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/MSVCache"
	"github.com/antiginx/msv-engine/OfflineDB"
	"github.com/antiginx/msv-engine/Sources"
	"github.com/antiginx/msv-engine/Sources/EPSS"
	"github.com/antiginx/msv-engine/Sources/KEV"
	"github.com/antiginx/msv-engine/Sources/Vendor"
	"github.com/antiginx/msv-engine/Types"
)

func testEntry() Types.CatalogEntry {
	return Types.CatalogEntry{
		ProductID:   "acme-widget",
		Vendor:      "acme",
		Product:     "widget",
		DisplayName: "Acme Widget",
		CPE:         "cpe:2.3:a:acme:widget:*",
	}
}

func withKEVClient(t *testing.T, body string) *KEV.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return KEV.New(HTTPFetch.New(), KEV.WithCatalogURL(srv.URL))
}

func noMatchKEVBody() string {
	return `{"vulnerabilities": []}`
}

func TestAggregate_VendorAdvisorySetsBranchesAndPersistsCache(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-0001", "product_status": {"fixed": [{"branch": "9.0", "fixedVersion": "9.0.110"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	vendorFactory := Sources.NewVendorFetcherFactory()
	vendorFactory.Register("acme", "widget", Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "acme", IndexURL: srv.URL + "/index.json"}))

	kev := withKEVClient(t, noMatchKEVBody())
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))

	agg := New(cacheStore, vendorFactory, nil, kev, nil, nil, nil, 24*time.Hour)
	result, err := agg.Aggregate(context.Background(), testEntry(), Options{})
	require.NoError(t, err)

	require.Len(t, result.Branches, 1)
	assert.Equal(t, "9.0.110", result.MinimumSafeVersion)
	assert.False(t, result.FromCache)
	assert.False(t, result.HasKevCVEs)

	cached, ok, err := cacheStore.Get("acme", "widget")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9.0.110", cached.Result.MinimumSafeVersion)
}

func TestAggregate_FreshCompleteCacheEntryShortCircuits(t *testing.T) {
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	require.NoError(t, cacheStore.Update("acme", "widget", MSVCache.Entry{
		Result: Types.AggregatedResult{
			ProductID:          "acme-widget",
			Branches:           []Types.BranchMSV{{Branch: "default", MSV: "1.2.3"}},
			MinimumSafeVersion: "1.2.3",
		},
	}))

	agg := New(cacheStore, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	result, err := agg.Aggregate(context.Background(), testEntry(), Options{})
	require.NoError(t, err)

	assert.True(t, result.FromCache)
	assert.Equal(t, "1.2.3", result.MinimumSafeVersion)
}

func TestAggregate_KevEnrichesExistingFinding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-9999", "product_status": {"fixed": [{"branch": "9.0", "fixedVersion": "9.0.110"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	vendorFactory := Sources.NewVendorFetcherFactory()
	vendorFactory.Register("acme", "widget", Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "acme", IndexURL: srv.URL + "/index.json"}))

	kev := withKEVClient(t, `{"vulnerabilities": [{"cveID": "CVE-2024-9999", "vendorProject": "Acme", "product": "Widget", "dateAdded": "2024-05-01"}]}`)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))

	agg := New(cacheStore, vendorFactory, nil, kev, nil, nil, nil, 24*time.Hour)
	result, err := agg.Aggregate(context.Background(), testEntry(), Options{})
	require.NoError(t, err)

	require.Len(t, result.Findings, 1)
	assert.True(t, result.Findings[0].InKEV)
	assert.True(t, result.HasKevCVEs)
}

func TestAggregate_OfflineDBUsedWhenNoVendorAdvisory(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.vdb6")
	indexPath := filepath.Join(dir, "data.index.vdb6")

	dataDB, err := sql.Open("sqlite", dataPath)
	require.NoError(t, err)
	_, err = dataDB.Exec(`CREATE TABLE cve_data (cve_id TEXT PRIMARY KEY, source_data TEXT)`)
	require.NoError(t, err)
	_, err = dataDB.Exec(`INSERT INTO cve_data VALUES (?, ?)`, "CVE-2024-1000",
		`{"containers":{"cna":{"descriptions":[{"lang":"en","value":"RCE"}],"metrics":[{"cvssV3_1":{"baseScore":9.0,"baseSeverity":"CRITICAL"}}],"affected":[{"versions":[{"version":"1.0.0","lessThan":"1.2.5","status":"affected"}]}]}}}`)
	require.NoError(t, err)
	require.NoError(t, dataDB.Close())

	indexDB, err := sql.Open("sqlite", indexPath)
	require.NoError(t, err)
	_, err = indexDB.Exec(`CREATE TABLE cve_index (cve_id TEXT, cpe TEXT, purl TEXT)`)
	require.NoError(t, err)
	_, err = indexDB.Exec(`INSERT INTO cve_index VALUES (?, ?, ?)`, "CVE-2024-1000", "cpe:2.3:a:acme:widget:*", "")
	require.NoError(t, err)
	require.NoError(t, indexDB.Close())

	offline, err := OfflineDB.Open(dataPath, indexPath)
	require.NoError(t, err)
	defer offline.Close()

	kev := withKEVClient(t, noMatchKEVBody())
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))

	agg := New(cacheStore, nil, offline, kev, nil, nil, nil, 24*time.Hour)
	result, err := agg.Aggregate(context.Background(), testEntry(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "1.2.5", result.MinimumSafeVersion)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "CVE-2024-1000", result.Findings[0].CVEID)
}

func TestAggregate_EpssEnrichesFindingScore(t *testing.T) {
	epssSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"cve": "CVE-2024-9999", "epss": "0.87", "percentile": "0.99"}]}`))
	}))
	defer epssSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-9999", "product_status": {"fixed": [{"branch": "9.0", "fixedVersion": "9.0.110"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	vendorFactory := Sources.NewVendorFetcherFactory()
	vendorFactory.Register("acme", "widget", Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "acme", IndexURL: srv.URL + "/index.json"}))

	kev := withKEVClient(t, noMatchKEVBody())
	epss := EPSS.New(HTTPFetch.New(), EPSS.WithBaseURL(epssSrv.URL))
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))

	agg := New(cacheStore, vendorFactory, nil, kev, nil, nil, epss, 24*time.Hour)
	result, err := agg.Aggregate(context.Background(), testEntry(), Options{})
	require.NoError(t, err)

	require.Len(t, result.Findings, 1)
	assert.InDelta(t, 0.87, result.Findings[0].EPSSScore, 0.0001)
}

func TestSearchTerms_DerivesFromProductAndDisplayName(t *testing.T) {
	entry := Types.CatalogEntry{Product: "adobe_acrobat", DisplayName: "Adobe Acrobat Reader", Aliases: []string{"acrobat-dc"}}
	terms := searchTerms(entry)
	assert.Contains(t, terms, "adobe_acrobat")
	assert.Contains(t, terms, "adobe")
	assert.Contains(t, terms, "acrobat")
	assert.Contains(t, terms, "Reader")
	assert.Contains(t, terms, "acrobat-dc")
}

func TestNvdByCPEReason_EmptyFindingsYieldsReason(t *testing.T) {
	assert.Equal(t, "no findings yet", nvdByCPEReason(nil, "1.0"))
}

func TestNvdByCPEReason_NoFixedVersionYieldsReason(t *testing.T) {
	reason := nvdByCPEReason([]Types.Finding{{CVEID: "CVE-1"}}, "1.0")
	assert.Equal(t, "no finding has a fixed version", reason)
}

func TestNvdByCPEReason_VersionMismatchYieldsReason(t *testing.T) {
	reason := nvdByCPEReason([]Types.Finding{{CVEID: "CVE-1", FixedVersion: "1.4.2"}}, "24.1")
	assert.Equal(t, "version mismatch", reason)
}

func TestNvdByCPEReason_AllConditionsSatisfiedSkips(t *testing.T) {
	reason := nvdByCPEReason([]Types.Finding{{CVEID: "CVE-1", FixedVersion: "24.3"}}, "24.1")
	assert.Equal(t, "", reason)
}
