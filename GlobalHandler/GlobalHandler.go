// Package GlobalHandler provides the panic-recovery boundary for msvctl and
// msvd (spec.md §7's propagation policy: only resolution failures, catalog
// load failures, and MSV-cache write failures are allowed to reach this
// layer; every source-level failure is already absorbed inside Aggregate).
//
// Grounded on the teacher's App/GlobalHandler/GlobalErrorHandler.go: same
// defer/recover shape and Errors.Error/generic-panic split, generalized
// from "parse args, run the scanner, os.Exit(1) on panic" to a reusable
// RunSafe(func() error) that msvctl's cobra commands and msvd's queue
// consumer both wrap their top-level call with, since this engine has two
// entry points instead of the teacher's one.
package GlobalHandler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antiginx/msv-engine/Errors"
)

// Handler is the global safety net: it wraps one top-level call in a
// panic-recovery boundary and formats the outcome per §6's CLI surface and
// §7's "structured text on stderr prefixed Error:, one line, exit code 1".
type Handler struct {
	jsonMode bool
}

// New configures a Handler. jsonMode selects the §7 "single {error, detail}
// object on stdout" alternative output format.
func New(jsonMode bool) *Handler {
	return &Handler{jsonMode: jsonMode}
}

// RunSafe executes fn inside a panic-recovery boundary and returns the
// process exit code: 0 on success (whether fn returned nil or was already
// handled), 1 if fn returned an error or panicked (§6's "Exit codes: 0 on
// success; 1 on any fatal error bubbled from main").
func (h *Handler) RunSafe(fn func() error) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			h.report(panicError(r))
			exitCode = 1
		}
	}()

	if err := fn(); err != nil {
		h.report(err)
		return 1
	}
	return 0
}

func panicError(r any) error {
	if e, ok := r.(*Errors.Error); ok {
		return e
	}
	return Errors.New(Errors.SourceBatch, 999, fmt.Sprintf("panic: %v", r))
}

// report writes a single fatal error in the configured output mode.
func (h *Handler) report(err error) {
	if h.jsonMode {
		encoder := json.NewEncoder(os.Stdout)
		_ = encoder.Encode(struct {
			Error  string `json:"error"`
			Detail string `json:"detail,omitempty"`
		}{Error: "fatal", Detail: err.Error()})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}
