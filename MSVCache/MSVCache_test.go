package MSVCache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiginx/msv-engine/Types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "msv-cache.json"))
}

func completeEntry() Entry {
	return Entry{
		Result: Types.AggregatedResult{
			Branches: []Types.BranchMSV{{Branch: "9.0", MSV: "9.0.110"}},
		},
	}
}

func TestUpdateGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("Acme", "Widget", completeEntry()))

	e, ok, err := s.Get("acme", "widget")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme:widget", e.ProductID)
	assert.Equal(t, SchemaVersion, e.SchemaVersion)
	assert.WithinDuration(t, time.Now(), e.LastUpdated, 5*time.Second)
}

func TestGet_MissingKeyIsAbsent(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get("acme", "widget")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdate_PersistsAcrossNewStoreInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msv-cache.json")
	s1 := NewStore(path)
	require.NoError(t, s1.Update("acme", "widget", completeEntry()))

	s2 := NewStore(path)
	e, ok, err := s2.Get("acme", "widget")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9.0.110", e.Result.Branches[0].MSV)
}

func TestDelete_RemovesEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("acme", "widget", completeEntry()))
	require.NoError(t, s.Delete("acme", "widget"))

	_, ok, err := s.Get("acme", "widget")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsComplete_NonUnknownMSVIsComplete(t *testing.T) {
	assert.True(t, IsComplete(completeEntry()))
}

func TestIsComplete_AllUnknownBranchesIsIncomplete(t *testing.T) {
	e := Entry{Result: Types.AggregatedResult{Branches: []Types.BranchMSV{{Branch: "9.0", MSV: "unknown"}}}}
	assert.False(t, IsComplete(e))
}

func TestIsComplete_ZeroCVEJustificationIsComplete(t *testing.T) {
	e := Entry{HasZeroCVEJustification: true, CVECount: 0}
	assert.True(t, IsComplete(e))
}

func TestNeedsRefresh_MissingEntryNeedsRefresh(t *testing.T) {
	s := newTestStore(t)
	needs, err := s.NeedsRefresh("acme", "widget", 24)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestNeedsRefresh_IncompleteEntryAlwaysStale(t *testing.T) {
	s := newTestStore(t)
	e := Entry{Result: Types.AggregatedResult{Branches: []Types.BranchMSV{{Branch: "9.0", MSV: "unknown"}}}}
	require.NoError(t, s.Update("acme", "widget", e))

	needs, err := s.NeedsRefresh("acme", "widget", 999999)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestNeedsRefresh_FreshCompleteEntryDoesNotNeedRefresh(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("acme", "widget", completeEntry()))

	needs, err := s.NeedsRefresh("acme", "widget", 24)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestUpdate_WritesViaAtomicRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msv-cache.json")
	s := NewStore(path)
	require.NoError(t, s.Update("acme", "widget", completeEntry()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not survive a successful rename")

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestGet_CorruptedFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msv-cache.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	s := NewStore(path)
	_, ok, err := s.Get("acme", "widget")
	require.NoError(t, err)
	assert.False(t, ok)
}
