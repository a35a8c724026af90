// Package Config centralizes every environment-derived setting the engine
// needs, following the "Global mutable config" redesign flag in spec.md §9:
// the data directory, API keys, and logger verbosity are captured in one
// explicit value passed through the Coordinator and Aggregator rather than
// read ad hoc from os.Getenv at the point of use. The rate-limiter registry
// remains the one justified process-wide singleton (see RateLimit).
package Config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the immutable, process-wide configuration snapshot built once
// in main() and threaded through every call.
type Config struct {
	// DataDir is the root directory for the file cache, MSV cache, catalog,
	// and offline vuln DB files. Resolved from PAI_DIR, falling back to
	// $HOME/AI-Projects per spec.md §6.
	DataDir string

	// CatalogPath is the path to the software catalog JSON document (§6).
	CatalogPath string

	NVDAPIKey       string
	VulnCheckAPIKey string
	GitHubToken     string
	BackendURL      string
	RabbitMQURL     string

	// VendorAdvisoryTTL and OfflineDBTTL are the file-cache TTLs mandated by
	// §3's Lifecycle paragraph: 4h for vendor advisories, 24h for offline DB
	// metadata and CPE searches.
	VendorAdvisoryTTL time.Duration
	OfflineDBTTL      time.Duration

	// MSVCacheMaxAge is the default max-age for a "fresh" MSV cache entry
	// (§4.8 step 1), overridable per query via Options.MaxAge.
	MSVCacheMaxAge time.Duration

	// BatchConcurrency is the default worker-pool size for the Batch
	// Executor (§4.12), overridable via the --concurrency CLI flag.
	BatchConcurrency int

	Verbose bool
}

// Load builds a Config from the environment, loading an optional .env file
// first (the teacher's own godotenv.Load() idiom in main.go) and then layering
// viper's env-binding on top so flags/tests can override individual fields.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is not fatal; the teacher's main.go treats
		// this the same way, printing a notice and continuing.
	}

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetDefault("PAI_DIR", defaultDataDir())
	v.SetDefault("MSV_CATALOG_PATH", "")
	v.SetDefault("MSV_VENDOR_TTL_HOURS", 4)
	v.SetDefault("MSV_OFFLINE_DB_TTL_HOURS", 24)
	v.SetDefault("MSV_CACHE_MAX_AGE_HOURS", 24)
	v.SetDefault("MSV_BATCH_CONCURRENCY", 5)
	v.SetDefault("MSV_VERBOSE", false)

	dataDir := v.GetString("PAI_DIR")
	catalogPath := v.GetString("MSV_CATALOG_PATH")
	if catalogPath == "" {
		catalogPath = filepath.Join(dataDir, "catalog.json")
	}

	cfg := &Config{
		DataDir:           dataDir,
		CatalogPath:       catalogPath,
		NVDAPIKey:         v.GetString("NVD_API_KEY"),
		VulnCheckAPIKey:   v.GetString("VULNCHECK_API_KEY"),
		GitHubToken:       v.GetString("GITHUB_TOKEN"),
		BackendURL:        v.GetString("BACK_URL"),
		RabbitMQURL:       v.GetString("RABBITMQ_URL"),
		VendorAdvisoryTTL: time.Duration(v.GetInt("MSV_VENDOR_TTL_HOURS")) * time.Hour,
		OfflineDBTTL:      time.Duration(v.GetInt("MSV_OFFLINE_DB_TTL_HOURS")) * time.Hour,
		MSVCacheMaxAge:    time.Duration(v.GetInt("MSV_CACHE_MAX_AGE_HOURS")) * time.Hour,
		BatchConcurrency:  v.GetInt("MSV_BATCH_CONCURRENCY"),
		Verbose:           v.GetBool("MSV_VERBOSE"),
	}
	return cfg, nil
}

// HasVulnCheck reports whether a VulnCheck API token is configured, gating
// source priority step 4 in §4.5.
func (c *Config) HasVulnCheck() bool {
	return strings.TrimSpace(c.VulnCheckAPIKey) != ""
}

// HasNVDKey reports whether an NVD API key is configured, which promotes the
// rate limit from 5/30s to 50/30s per §4.2.
func (c *Config) HasNVDKey() bool {
	return strings.TrimSpace(c.NVDAPIKey) != ""
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "AI-Projects")
	}
	return filepath.Join(".", "AI-Projects")
}
