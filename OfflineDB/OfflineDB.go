// Package OfflineDB implements the read-only AppThreat SQLite vuln DB
// client (spec.md §4.5(c), §4.6): two files, `data.vdb6` (cve_data table)
// and `data.index.vdb6` (cve_index table), queried by CPE, PURL, or CVE ID.
//
// Uses modernc.org/sqlite, the pure-Go driver, so the engine never needs
// cgo to read these files — grounded as a domain-stack choice in
// SPEC_FULL.md §B (the same driver several pack manifests depend on for
// read-mostly local SQLite access).
package OfflineDB

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/Types"
)

// Client owns the two read-only SQLite connections for its lifetime and
// must be closed via Close (§4.6, §5 "resource ownership").
type Client struct {
	dataPath  string
	indexPath string
	dataDB    *sql.DB
	indexDB   *sql.DB
}

// QueryOptions narrows a searchByCpe/searchByPurl call (§4.8 step 4).
type QueryOptions struct {
	MinCVSS        float64
	ExcludeMalware bool
}

// Open opens both SQLite files read-only. Exactly one connection per file
// is used; callers must not share a Client across goroutines without
// external synchronization (§4.6).
func Open(dataPath, indexPath string) (*Client, error) {
	dataDB, err := sql.Open("sqlite", "file:"+dataPath+"?mode=ro")
	if err != nil {
		return nil, Errors.New(Errors.SourceOfflineDB, 600, "failed opening data.vdb6: "+err.Error())
	}
	dataDB.SetMaxOpenConns(1)

	indexDB, err := sql.Open("sqlite", "file:"+indexPath+"?mode=ro")
	if err != nil {
		dataDB.Close()
		return nil, Errors.New(Errors.SourceOfflineDB, 601, "failed opening data.index.vdb6: "+err.Error())
	}
	indexDB.SetMaxOpenConns(1)

	return &Client{dataPath: dataPath, indexPath: indexPath, dataDB: dataDB, indexDB: indexDB}, nil
}

// Tag identifies this source in SourceResult rows.
func (c *Client) Tag() string { return "AppThreat" }

// Close releases both SQLite connections.
func (c *Client) Close() error {
	err1 := c.dataDB.Close()
	err2 := c.indexDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// EnsureFresh checks the data file's mtime against maxHours; if stale, it
// attempts to re-download via the external `vdb` CLI's `--download` mode
// (the AppThreat producer tool), and returns a clear install-instruction
// error if that CLI is absent (§4.5(c)).
func (c *Client) EnsureFresh(maxHours int) error {
	info, err := os.Stat(c.dataPath)
	if err != nil {
		return Errors.New(Errors.SourceOfflineDB, 602, "cannot stat offline DB file: "+err.Error())
	}
	age := time.Since(info.ModTime())
	if age <= time.Duration(maxHours)*time.Hour {
		return nil
	}

	if !commandExists("vdb") {
		return Errors.New(Errors.SourceOfflineDB, 603,
			"offline vulnerability database is stale and the 'vdb' CLI is not installed; "+
				"install it with 'pip install appthreat-vulnerability-db' or re-download manually")
	}
	return Errors.New(Errors.SourceOfflineDB, 604, "offline vulnerability database is stale; run 'vdb --download' to refresh")
}

func commandExists(name string) bool {
	for _, dir := range strings.Split(os.Getenv("PATH"), string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir + string(os.PathSeparator) + name); err == nil {
			return true
		}
	}
	return false
}

// row is the shape decoded in Go from the raw cve_data.source_data JSON
// (§6: "CVE payloads ... conform to CVE JSON Schema 5.2").
type row struct {
	CVEID        string
	Description  string
	CVSSScore    float64
	Severity     string
	VersRange    string
	FixedVersion string
}

var versRangePattern = regexp.MustCompile(`vers:[^/]+/(.+)`)

// parseVersRange implements the VERS segment parser from §4.6: `<B` yields
// fixed version B exactly; `<=B` yields B with an unknown-exact-fix marker
// (">B") since the true fix boundary is one patch past the inclusive bound.
func parseVersRange(vers string) string {
	m := versRangePattern.FindStringSubmatch(vers)
	if m == nil {
		return ""
	}
	segments := strings.Split(m[1], "|")
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if strings.HasPrefix(seg, "<=") {
			return ">" + strings.TrimPrefix(seg, "<=")
		}
		if strings.HasPrefix(seg, "<") {
			return strings.TrimPrefix(seg, "<")
		}
	}
	return ""
}

func (c *Client) queryRows(ctx context.Context, query string, args ...any) ([]row, error) {
	rows, err := c.dataDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Errors.New(Errors.SourceOfflineDB, 605, "offline DB query failed: "+err.Error())
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var cveID, sourceData string
		if err := rows.Scan(&cveID, &sourceData); err != nil {
			continue
		}
		r, ok := parseSourceData(cveID, sourceData)
		if ok {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

// sourceDataDoc is the subset of a CVE JSON Schema 5.2 payload this client
// extracts: description, CVSS, severity, and affected-version ranges.
type sourceDataDoc struct {
	Containers struct {
		CNA struct {
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics []struct {
				CVSSV3_1 struct {
					BaseScore float64 `json:"baseScore"`
					BaseSeverity string `json:"baseSeverity"`
				} `json:"cvssV3_1"`
			} `json:"metrics"`
			Affected []struct {
				Versions []struct {
					Version     string `json:"version"`
					LessThan    string `json:"lessThan"`
					VersionType string `json:"versionType"`
					Status      string `json:"status"`
				} `json:"versions"`
				Vers string `json:"vers"`
			} `json:"affected"`
		} `json:"cna"`
	} `json:"containers"`
}

func parseSourceData(cveID, sourceData string) (row, bool) {
	var doc sourceDataDoc
	if err := json.Unmarshal([]byte(sourceData), &doc); err != nil {
		return row{}, false
	}

	r := row{CVEID: cveID}
	for _, d := range doc.Containers.CNA.Descriptions {
		if d.Lang == "en" {
			r.Description = d.Value
			break
		}
	}
	if len(doc.Containers.CNA.Metrics) > 0 {
		r.CVSSScore = doc.Containers.CNA.Metrics[0].CVSSV3_1.BaseScore
		r.Severity = doc.Containers.CNA.Metrics[0].CVSSV3_1.BaseSeverity
	}
	for _, aff := range doc.Containers.CNA.Affected {
		for _, v := range aff.Versions {
			if v.Status != "affected" {
				continue
			}
			if v.LessThan != "" {
				r.FixedVersion = v.LessThan
			}
		}
		// Some AppThreat-ingested records carry only a VERS range string
		// (§4.6, §6: "data.source_data") rather than discrete version
		// entries; fall back to parsing it when no lessThan bound was found.
		if r.FixedVersion == "" && aff.Vers != "" {
			r.VersRange = aff.Vers
			r.FixedVersion = parseVersRange(aff.Vers)
		}
	}
	return r, true
}

// SearchByCPE finds findings affecting cpe, filtered by options.MinCVSS.
func (c *Client) SearchByCPE(ctx context.Context, cpe string, opts QueryOptions) ([]Types.Finding, error) {
	rows, err := c.queryRows(ctx, `SELECT cve_id, source_data FROM cve_data WHERE cve_id IN (
		SELECT cve_id FROM cve_index WHERE cpe = ?
	)`, cpe)
	if err != nil {
		return nil, err
	}
	return toFindings(rows, opts), nil
}

// SearchByPURL finds findings affecting purl, filtered by options.MinCVSS.
func (c *Client) SearchByPURL(ctx context.Context, purl string, opts QueryOptions) ([]Types.Finding, error) {
	rows, err := c.queryRows(ctx, `SELECT cve_id, source_data FROM cve_data WHERE cve_id IN (
		SELECT cve_id FROM cve_index WHERE purl = ?
	)`, purl)
	if err != nil {
		return nil, err
	}
	return toFindings(rows, opts), nil
}

// SearchByCVEID returns the single finding for cveID, if present.
func (c *Client) SearchByCVEID(ctx context.Context, cveID string) (Types.Finding, bool, error) {
	rows, err := c.queryRows(ctx, `SELECT cve_id, source_data FROM cve_data WHERE cve_id = ?`, cveID)
	if err != nil {
		return Types.Finding{}, false, err
	}
	if len(rows) == 0 {
		return Types.Finding{}, false, nil
	}
	fs := toFindings(rows, QueryOptions{})
	if len(fs) == 0 {
		return Types.Finding{}, false, nil
	}
	return fs[0], true, nil
}

func toFindings(rows []row, opts QueryOptions) []Types.Finding {
	findings := make([]Types.Finding, 0, len(rows))
	for _, r := range rows {
		if opts.MinCVSS > 0 && r.CVSSScore < opts.MinCVSS {
			continue
		}
		if opts.ExcludeMalware && strings.Contains(strings.ToLower(r.Description), "malware") {
			continue
		}
		findings = append(findings, Types.Finding{
			CVEID:        r.CVEID,
			Description:  r.Description,
			FixedVersion: r.FixedVersion,
			Severity:     r.Severity,
			CVSSScore:    r.CVSSScore,
			SourceTag:    "AppThreat",
		})
	}
	return findings
}
