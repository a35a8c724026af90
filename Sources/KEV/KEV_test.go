package KEV

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiginx/msv-engine/HTTPFetch"
)

const sampleCatalog = `{
  "catalogVersion": "2026.01.01",
  "dateReleased": "2026-01-01",
  "count": 2,
  "vulnerabilities": [
    {"cveID": "CVE-2024-1111", "vendorProject": "Acme", "product": "Widget Pro", "shortDescription": "RCE in Widget Pro", "dateAdded": "2024-05-01"},
    {"cveID": "CVE-2024-2222", "vendorProject": "Other", "product": "Gadget", "shortDescription": "Auth bypass", "dateAdded": "2024-06-01"}
  ]
}`

func withTestCatalog(t *testing.T, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return New(HTTPFetch.New(), WithCatalogURL(srv.URL))
}

func TestSearchByTerms_FirstMatchingTermWins(t *testing.T) {
	c := withTestCatalog(t, sampleCatalog)
	findings, err := c.SearchByTerms(context.Background(), []string{"nonexistent", "widget"})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "CVE-2024-1111", findings[0].CVEID)
}

func TestSearchByTerms_NoMatchReturnsEmpty(t *testing.T) {
	c := withTestCatalog(t, sampleCatalog)
	findings, err := c.SearchByTerms(context.Background(), []string{"totally-absent"})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestByCVEID_FindsEntry(t *testing.T) {
	c := withTestCatalog(t, sampleCatalog)
	f, ok, err := c.ByCVEID(context.Background(), "CVE-2024-2222")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.InKEV)
	assert.True(t, f.HasPoC)
}

func TestByCVEID_AbsentReturnsFalse(t *testing.T) {
	c := withTestCatalog(t, sampleCatalog)
	_, ok, err := c.ByCVEID(context.Background(), "CVE-0000-0000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestToFinding_SetsKevFlagsAndParsesDate(t *testing.T) {
	e := entry{CVEID: "CVE-2024-1111", ShortDescription: "desc", DateAdded: "2024-05-01"}
	f := toFinding(e)
	assert.True(t, f.InKEV)
	assert.True(t, f.HasPoC)
	require.NotNil(t, f.KEVDateAdded)
	assert.Equal(t, 2024, f.KEVDateAdded.Year())
}

func TestToFinding_InvalidDateLeavesNil(t *testing.T) {
	e := entry{CVEID: "CVE-2024-9999", DateAdded: "not-a-date"}
	f := toFinding(e)
	assert.Nil(t, f.KEVDateAdded)
}
