package VulnCheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiginx/msv-engine/HTTPFetch"
)

func withTestVulnCheck(t *testing.T, token, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return New(HTTPFetch.New(), token, WithBaseURL(srv.URL))
}

func TestQueryByCPE_RequiresToken(t *testing.T) {
	c := New(HTTPFetch.New(), "")
	_, err := c.QueryByCPE(context.Background(), "cpe:2.3:a:vendor:product:*")
	assert.Error(t, err)
}

func TestQueryByCPE_ParsesFindingsWithAuth(t *testing.T) {
	body := `{"data":[{"cve":["CVE-2024-3333"],"cvss_base_score":9.1,"vulncheck_exploitation_details_exists":true}]}`
	c := withTestVulnCheck(t, "secret-token", body)

	findings, err := c.QueryByCPE(context.Background(), "cpe:2.3:a:vendor:product:*")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "CVE-2024-3333", findings[0].CVEID)
	assert.True(t, findings[0].HasPoC)
	assert.Equal(t, 9.1, findings[0].CVSSScore)
}

func TestHasToken(t *testing.T) {
	assert.False(t, New(HTTPFetch.New(), "").HasToken())
	assert.True(t, New(HTTPFetch.New(), "x").HasToken())
}
