// Package Batch implements the Batch Executor (spec.md §4.12): a bounded
// worker pool that runs queryMSV over a list of items, maps each result to a
// compliance verdict, and re-sorts output back to input order.
//
// Grounded on the teacher's App/Runner/job_runner.go fan-out: a
// sync.WaitGroup tracking worker goroutines and a buffered result channel
// decoupling producers from the consumer, generalized from "one goroutine
// per test strategy" to "a fixed-size pool of N workers pulling indexed
// items off a shared channel", since §4.12 requires a *bounded* pool rather
// than one goroutine per item.
package Batch

import (
	"context"
	"sync"

	"github.com/antiginx/msv-engine/Coordinator"
	"github.com/antiginx/msv-engine/Errors"
	"github.com/antiginx/msv-engine/Types"
	"github.com/antiginx/msv-engine/Version"
)

// DefaultConcurrency is the worker-pool size used when Options.Concurrency
// is left at zero (§4.12, Config.BatchConcurrency's default).
const DefaultConcurrency = 5

// Item is one unit of work: a product name to resolve plus the caller's
// installed version for the compliance comparison.
type Item struct {
	Name             string `json:"name"`
	InstalledVersion string `json:"installedVersion,omitempty"`
}

// ProgressSink receives a tick per completed item (§4.12's "abstract
// progress sink, tick per completion, optional per-item label").
type ProgressSink interface {
	Tick(completed, total int, label string)
}

// NoopProgress discards every tick; the zero value for ProgressSink.
type NoopProgress struct{}

// Tick implements ProgressSink by doing nothing.
func (NoopProgress) Tick(completed, total int, label string) {}

// Options tunes one Check call.
type Options struct {
	Concurrency int
	Progress    ProgressSink
	ForceRefresh bool
}

// Executor runs checks over items via a Coordinator.
type Executor struct {
	coordinator *Coordinator.Coordinator
}

// New wires an Executor to a Coordinator.
func New(coordinator *Coordinator.Coordinator) *Executor {
	return &Executor{coordinator: coordinator}
}

type indexedResult struct {
	index  int
	result Types.ComplianceResult
}

// Check implements §4.12: resolves each item, runs queryMSV, and maps
// (installed-version, MSV, recommended) into a ComplianceResult. Workers
// are bounded by Options.Concurrency (default DefaultConcurrency); a
// cancelled ctx lets in-flight workers finish their current source call and
// exit cleanly, per §5's cooperative-cancellation requirement. Output is
// always re-sorted to input order, regardless of completion order.
func (e *Executor) Check(ctx context.Context, items []Item, opts Options) []Types.ComplianceResult {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	progress := opts.Progress
	if progress == nil {
		progress = NoopProgress{}
	}

	work := make(chan int)
	results := make(chan indexedResult, len(items))
	var wg sync.WaitGroup

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				results <- indexedResult{index: idx, result: e.checkOne(ctx, items[idx], opts.ForceRefresh)}
			}
		}()
	}

	go func() {
		defer close(work)
		for i := range items {
			select {
			case <-ctx.Done():
				return
			case work <- i:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Types.ComplianceResult, len(items))
	completed := 0
	for r := range results {
		out[r.index] = r.result
		completed++
		progress.Tick(completed, len(items), items[r.index].Name)
	}

	// Cancellation mid-dispatch leaves trailing zero-value rows for items
	// never picked up; fill them in as ERROR rows rather than silently
	// returning an incomplete slice.
	for i := range out {
		if out[i].Item == "" {
			out[i] = Types.ComplianceResult{Item: items[i].Name, InstalledVersion: items[i].InstalledVersion, Status: Types.StatusError, Error: "cancelled before execution"}
		}
	}

	return out
}

func (e *Executor) checkOne(ctx context.Context, item Item, forceRefresh bool) Types.ComplianceResult {
	result := Types.ComplianceResult{Item: item.Name, InstalledVersion: item.InstalledVersion}

	scored, err := e.coordinator.QueryMSV(ctx, item.Name, Coordinator.Options{CurrentVersion: item.InstalledVersion, ForceRefresh: forceRefresh})
	if err != nil {
		if isUnknownProduct(err) {
			result.Status = Types.StatusNotFound
			result.Error = err.Error()
			return result
		}
		result.Status = Types.StatusError
		result.Error = err.Error()
		return result
	}

	result.ProductID = scored.ProductID
	result.Action = scored.Action
	result.Status = verdict(item.InstalledVersion, scored)
	return result
}

func isUnknownProduct(err error) bool {
	e, ok := err.(*Errors.Error)
	return ok && e.Source == Errors.SourceCatalog
}

func verdict(installedVersion string, scored Types.ScoredResult) Types.ComplianceStatus {
	if installedVersion == "" {
		return Types.StatusUnknown
	}
	if scored.MinimumSafeVersion == "" || scored.MinimumSafeVersion == "N/A (OS Component)" {
		return Types.StatusUnknown
	}
	if scored.MinimumSafeVersion == "UNSUPPORTED" {
		return Types.StatusNonCompliant
	}
	if Version.Compare(installedVersion, scored.MinimumSafeVersion) < 0 {
		return Types.StatusNonCompliant
	}
	if scored.RecommendedVersion != "" && Version.Compare(installedVersion, scored.RecommendedVersion) < 0 {
		return Types.StatusOutdated
	}
	return Types.StatusCompliant
}
