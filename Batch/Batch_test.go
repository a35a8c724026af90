package Batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiginx/msv-engine/Aggregator"
	"github.com/antiginx/msv-engine/Catalog"
	"github.com/antiginx/msv-engine/Coordinator"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/MSVCache"
	"github.com/antiginx/msv-engine/Sources"
	"github.com/antiginx/msv-engine/Sources/KEV"
	"github.com/antiginx/msv-engine/Sources/Vendor"
	"github.com/antiginx/msv-engine/Types"
)

func testCatalog(t *testing.T, entries []Types.CatalogEntry) *Catalog.Catalog {
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

func noMatchKEV(t *testing.T) *KEV.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": []}`))
	}))
	t.Cleanup(srv.Close)
	return KEV.New(HTTPFetch.New(), KEV.WithCatalogURL(srv.URL))
}

type countingProgress struct {
	mu    sync.Mutex
	ticks int
}

func (c *countingProgress) Tick(completed, total int, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
}

func TestCheck_PreservesInputOrderRegardlessOfCompletionOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": ["/doc1.json"]}`))
	})
	mux.HandleFunc("/doc1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [
			{"cve": "CVE-2024-1", "product_status": {"fixed": [{"branch": "9.0", "fixedVersion": "9.0.5"}]}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := testCatalog(t, []Types.CatalogEntry{
		{ProductID: "widget-a", Vendor: "acme", Product: "widget-a", DisplayName: "Acme Widget A"},
		{ProductID: "widget-b", Vendor: "acme", Product: "widget-b", DisplayName: "Acme Widget B"},
		{ProductID: "widget-c", Vendor: "acme", Product: "widget-c", DisplayName: "Acme Widget C"},
	})

	vendorFactory := Sources.NewVendorFetcherFactory()
	for _, p := range []string{"widget-a", "widget-b", "widget-c"} {
		vendorFactory.Register("acme", p, Vendor.New(HTTPFetch.New(), Vendor.Source{VendorName: "acme", IndexURL: srv.URL + "/index.json"}))
	}

	kev := noMatchKEV(t)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, vendorFactory, nil, kev, nil, nil, nil, 24*time.Hour)
	coord := Coordinator.New(cat, agg)
	exec := New(coord)

	items := []Item{
		{Name: "widget-a", InstalledVersion: "9.0.1"},
		{Name: "widget-b", InstalledVersion: "9.0.10"},
		{Name: "widget-c", InstalledVersion: "9.0.1"},
	}
	progress := &countingProgress{}
	results := exec.Check(context.Background(), items, Options{Concurrency: 3, Progress: progress})

	require.Len(t, results, 3)
	assert.Equal(t, "widget-a", results[0].Item)
	assert.Equal(t, "widget-b", results[1].Item)
	assert.Equal(t, "widget-c", results[2].Item)
	assert.Equal(t, Types.StatusNonCompliant, results[0].Status)
	assert.Equal(t, Types.StatusCompliant, results[1].Status)
	assert.Equal(t, 3, progress.ticks)
}

func TestCheck_UnknownProductBecomesNotFoundRow(t *testing.T) {
	cat := testCatalog(t, nil)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	coord := Coordinator.New(cat, agg)
	exec := New(coord)

	results := exec.Check(context.Background(), []Item{{Name: "nonexistent-thing"}}, Options{})
	require.Len(t, results, 1)
	assert.Equal(t, Types.StatusNotFound, results[0].Status)
}

func TestCheck_OneFailureDoesNotStopOtherWorkers(t *testing.T) {
	cat := testCatalog(t, []Types.CatalogEntry{
		{ProductID: "good-widget", Vendor: "acme", Product: "good", DisplayName: "Acme Good Widget"},
	})
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	coord := Coordinator.New(cat, agg)
	exec := New(coord)

	items := []Item{{Name: "bogus-unknown"}, {Name: "good-widget"}}
	results := exec.Check(context.Background(), items, Options{Concurrency: 2})

	require.Len(t, results, 2)
	assert.Equal(t, Types.StatusNotFound, results[0].Status)
	assert.NotEqual(t, Types.StatusError, results[1].Status)
}

func TestCheck_DefaultConcurrencyUsedWhenUnset(t *testing.T) {
	cat := testCatalog(t, nil)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	coord := Coordinator.New(cat, agg)
	exec := New(coord)

	results := exec.Check(context.Background(), []Item{{Name: "a"}, {Name: "b"}}, Options{})
	assert.Len(t, results, 2)
}

func TestCheck_CancelledContextYieldsErrorRowsNotPanic(t *testing.T) {
	cat := testCatalog(t, nil)
	cacheStore := MSVCache.NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
	agg := Aggregator.New(cacheStore, nil, nil, nil, nil, nil, nil, 24*time.Hour)
	coord := Coordinator.New(cat, agg)
	exec := New(coord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := make([]Item, 20)
	for i := range items {
		items[i] = Item{Name: "whatever"}
	}
	results := exec.Check(ctx, items, Options{Concurrency: 2})
	assert.Len(t, results, 20)
}
