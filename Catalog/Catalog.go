// Package Catalog loads the software catalog (spec.md §4.7) from a single
// JSON document into an in-memory map, and implements the three-step
// resolution algorithm used to turn free-form user input into a
// Types.CatalogEntry.
package Catalog

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/Types"
)

// Metadata is the catalog file's `_metadata` block (§6).
type Metadata struct {
	Version     string   `json:"version"`
	LastUpdated string   `json:"lastUpdated"`
	Sources     []string `json:"sources,omitempty"`
}

// document mirrors the on-disk catalog file shape.
type document struct {
	Metadata Metadata              `json:"_metadata"`
	Software []Types.CatalogEntry  `json:"software"`
}

// Catalog is the loaded, read-only in-memory registry (§2's C7, §9 "catalog
// is read-only" lifecycle note).
type Catalog struct {
	metadata Metadata
	entries  []Types.CatalogEntry
	byID     map[string]Types.CatalogEntry
}

// Load reads and parses the catalog JSON file at path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Errors.New(Errors.SourceCatalog, 700, "failed reading catalog file: "+err.Error())
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Errors.New(Errors.SourceCatalog, 701, "failed parsing catalog JSON: "+err.Error())
	}

	byID := make(map[string]Types.CatalogEntry, len(doc.Software))
	for _, e := range doc.Software {
		byID[strings.ToLower(e.ProductID)] = e
	}

	return &Catalog{metadata: doc.Metadata, entries: doc.Software, byID: byID}, nil
}

// Metadata returns the catalog's `_metadata` block.
func (c *Catalog) Metadata() Metadata { return c.metadata }

// Len reports how many entries the catalog holds.
func (c *Catalog) Len() int { return len(c.entries) }

// Get looks up an entry by its exact product ID (case-insensitive), with no
// alias or substring fallback. Used by the Coordinator when recursing into
// a parent's declared variant IDs (§4.11), which are always exact.
func (c *Catalog) Get(productID string) (Types.CatalogEntry, bool) {
	e, ok := c.byID[strings.ToLower(productID)]
	return e, ok
}

// Resolve implements the three-step algorithm from §4.7: exact ID match,
// then case-insensitive alias match, then substring match against display
// name or product slug — first wins, file order as tie-breaker.
func (c *Catalog) Resolve(input string) (Types.CatalogEntry, error) {
	needle := strings.ToLower(strings.TrimSpace(input))
	if needle == "" {
		return Types.CatalogEntry{}, Errors.New(Errors.SourceCatalog, 702, "empty product name")
	}

	if e, ok := c.byID[needle]; ok {
		return e, nil
	}

	for _, e := range c.entries {
		for _, alias := range e.Aliases {
			if strings.ToLower(alias) == needle {
				return e, nil
			}
		}
	}

	for _, e := range c.entries {
		if strings.Contains(strings.ToLower(e.DisplayName), needle) || strings.Contains(strings.ToLower(e.Product), needle) {
			return e, nil
		}
	}

	return Types.CatalogEntry{}, Errors.New(Errors.SourceCatalog, 703, "unknown product: "+input)
}
