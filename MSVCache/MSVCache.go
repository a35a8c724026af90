// Package MSVCache persists aggregated MSV results with freshness metadata
// (spec.md §4.9): one JSON file keyed by `vendor:product` (lowercase),
// written atomically, read back with the completeness-vs-staleness split
// the §9 redesign flag calls for ("needs refresh being time-only" — split
// into isStale(age) and isComplete(entry), require both for a cache hit).
package MSVCache

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/Types"
)

// SchemaVersion is bumped whenever Entry's shape changes in a way that
// affects completeness detection (§6: readers must tolerate v1 and v2).
const SchemaVersion = 2

// Entry is one product's persisted MSV cache record (§3).
type Entry struct {
	ProductID            string               `json:"productId"`
	SchemaVersion         int                  `json:"schemaVersion"`
	Result               Types.AggregatedResult `json:"result"`
	LastUpdated          time.Time            `json:"lastUpdated"`
	BranchLastChecked    map[string]time.Time `json:"branchLastChecked,omitempty"`
	SourceList           []string             `json:"sourceList,omitempty"`
	Confidence           Types.Confidence     `json:"confidence,omitempty"`
	Justification        string               `json:"justification,omitempty"`
	CVECount             int                  `json:"cveCount,omitempty"`
	HasZeroCVEJustification bool              `json:"hasZeroCveJustification,omitempty"`
}

// Store persists Entry values to a single JSON file (§4.9, §6).
type Store struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
	loaded  bool
}

// NewStore constructs a Store backed by path. The file is read lazily on
// first Get/Update/Delete call so a fresh engine with no prior runs doesn't
// need the file to pre-exist.
func NewStore(path string) *Store {
	return &Store{path: path, entries: make(map[string]Entry)}
}

func normalizeKey(vendor, product string) string {
	return strings.ToLower(vendor) + ":" + strings.ToLower(product)
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Errors.New(Errors.SourceMSVCache, 900, "failed reading MSV cache file: "+err.Error())
	}

	var onDisk map[string]Entry
	// A corrupt MSV cache file is treated the same as the file cache's
	// corrupted-entry policy (§7 error kind 3): absent, not fatal.
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil
	}
	s.entries = onDisk
	return nil
}

// Get returns the entry for vendor:product, if present.
func (s *Store) Get(vendor, product string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	e, ok := s.entries[normalizeKey(vendor, product)]
	return e, ok, nil
}

// IsComplete reports whether entry satisfies §3's completeness invariant:
// a non-empty branch list with at least one non-"unknown" MSV, or an
// explicit zero-CVE justification.
func IsComplete(e Entry) bool {
	if e.HasZeroCVEJustification && e.CVECount == 0 {
		return true
	}
	for _, b := range e.Result.Branches {
		if b.MSV != "" && b.MSV != "unknown" {
			return true
		}
	}
	return false
}

// IsStale reports whether entry's age exceeds maxAgeHours.
func IsStale(e Entry, maxAgeHours int) bool {
	return time.Since(e.LastUpdated) > time.Duration(maxAgeHours)*time.Hour
}

// NeedsRefresh ORs staleness with incompleteness (§4.9: "Time-based
// staleness is ORed with completeness; an incomplete entry is always
// stale").
func (s *Store) NeedsRefresh(vendor, product string, maxAgeHours int) (bool, error) {
	e, ok, err := s.Get(vendor, product)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	return !IsComplete(e) || IsStale(e, maxAgeHours), nil
}

// Update writes entry for vendor:product, stamping LastUpdated to now and
// SchemaVersion to the current version, then persists atomically.
func (s *Store) Update(vendor, product string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	entry.ProductID = normalizeKey(vendor, product)
	entry.SchemaVersion = SchemaVersion
	entry.LastUpdated = time.Now()
	s.entries[entry.ProductID] = entry

	return s.persistLocked()
}

// Delete removes the entry for vendor:product. Aggregate calls this when
// the `--force` flag sets ForceRefresh, before re-aggregating (§4.9).
func (s *Store) Delete(vendor, product string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	delete(s.entries, normalizeKey(vendor, product))
	return s.persistLocked()
}

// persistLocked writes the whole entries map atomically (write-temp then
// rename, §4.9, §9's reader/writer aliasing guidance). Caller must hold mu.
func (s *Store) persistLocked() error {
	marshalled, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return Errors.New(Errors.SourceMSVCache, 901, "failed marshalling MSV cache: "+err.Error())
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, marshalled, 0o644); err != nil {
		// Unrecoverable I/O on the MSV cache write path is the one fatal
		// error class the Aggregator must propagate (§4.8 "Failure
		// semantics", §7 error kind 6).
		return Errors.New(Errors.SourceMSVCache, 902, "failed writing MSV cache temp file: "+err.Error())
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return Errors.New(Errors.SourceMSVCache, 903, "failed renaming MSV cache temp file: "+err.Error())
	}
	return nil
}
