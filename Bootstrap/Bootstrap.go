// Package Bootstrap wires every configured component together once at
// process start, the way the teacher's App/main.go builds a JobRunner and
// GlobalHandler from a single entry point — here expanded to build the
// Catalog, the shared rate-limiter registry, every source client, the
// offline vuln DB (best-effort), the Aggregator and the Coordinator, so
// both cmd/msvctl and cmd/msvd share one bootstrap path instead of
// duplicating wiring logic in two thin CLI/daemon shells.
package Bootstrap

import (
	"os"
	"path/filepath"
	"time"

	"github.com/antiginx/msv-engine/Aggregator"
	"github.com/antiginx/msv-engine/Cache"
	"github.com/antiginx/msv-engine/Catalog"
	"github.com/antiginx/msv-engine/Config"
	"github.com/antiginx/msv-engine/Coordinator"
	"github.com/antiginx/msv-engine/HTTPFetch"
	"github.com/antiginx/msv-engine/MSVCache"
	"github.com/antiginx/msv-engine/OfflineDB"
	"github.com/antiginx/msv-engine/RateLimit"
	"github.com/antiginx/msv-engine/Sources"
	"github.com/antiginx/msv-engine/Sources/EPSS"
	"github.com/antiginx/msv-engine/Sources/KEV"
	"github.com/antiginx/msv-engine/Sources/NVD"
	"github.com/antiginx/msv-engine/Sources/VulnCheck"
)

// Engine is the fully-wired set of components a CLI command or daemon
// consumer needs to run queries and batches.
type Engine struct {
	Config      *Config.Config
	Catalog     *Catalog.Catalog
	Coordinator *Coordinator.Coordinator
	OfflineDB   *OfflineDB.Client // nil if the offline DB files are absent
	KEV         *KEV.Client
}

// Build loads configuration, the catalog, and every source client, and
// wires them into a Coordinator. The offline vuln DB is optional: its
// files may simply not be present on this machine, which is not fatal
// (§7 error kind 2 — source unavailable is always non-fatal).
func Build() (*Engine, error) {
	cfg, err := Config.Load()
	if err != nil {
		return nil, err
	}

	catalog, err := Catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	limiter := RateLimit.Global()
	limiter.EnsureNVD(cfg.HasNVDKey())

	cacheStore := Cache.NewStore(filepath.Join(cfg.DataDir, "cache"))
	fetcher := HTTPFetch.New(
		HTTPFetch.WithCache(cacheStore),
		HTTPFetch.WithRateLimiter(limiter),
		HTTPFetch.WithUserAgent("msv-engine/1.0"),
	)

	vendorFactory := Sources.NewVendorFetcherFactory()

	var offline *OfflineDB.Client
	dataPath := filepath.Join(cfg.DataDir, "data.vdb6")
	indexPath := filepath.Join(cfg.DataDir, "data.index.vdb6")
	if fileExists(dataPath) && fileExists(indexPath) {
		offline, _ = OfflineDB.Open(dataPath, indexPath)
	}

	kev := KEV.New(fetcher)
	nvd := NVD.New(fetcher, cfg.NVDAPIKey)
	epss := EPSS.New(fetcher)

	var vulnCheck *VulnCheck.Client
	if cfg.HasVulnCheck() {
		vulnCheck = VulnCheck.New(fetcher, cfg.VulnCheckAPIKey)
	} else {
		vulnCheck = VulnCheck.New(fetcher, "")
	}

	msvCache := MSVCache.NewStore(filepath.Join(cfg.DataDir, "msv-cache.json"))
	agg := Aggregator.New(msvCache, vendorFactory, offline, kev, vulnCheck, nvd, epss, cfg.MSVCacheMaxAge)
	coord := Coordinator.New(catalog, agg)

	return &Engine{Config: cfg, Catalog: catalog, Coordinator: coord, OfflineDB: offline, KEV: kev}, nil
}

// Close releases resources Build opened (currently the offline DB's two
// SQLite connections, per §5's "scoped close" resource-ownership rule).
func (e *Engine) Close() error {
	if e.OfflineDB != nil {
		return e.OfflineDB.Close()
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
