// Flag validation for msvctl, adapted from the teacher's
// App/Parameter-Parser/parameter_parser.go: a static table of allowed
// values per flag, replacing that file's whole hand-rolled token parser
// (superseded here by cobra) while keeping its one idiom worth keeping —
// a plain map-based whitelist checked before the command runs.
package main

import (
	"fmt"
	"strings"

	"github.com/antiginx/msv-engine/Errors"
)

// allowedValues is the static whitelist registry: one entry per flag that
// only accepts a fixed set of values.
var allowedValues = map[string][]string{
	"format":  {"text", "json", "markdown"},
	"sources": {"vendor", "nvd", "kev", "epss", "vulncheck", "appthreat"},
}

func validateWhitelist(flag, value string) error {
	allowed, ok := allowedValues[flag]
	if !ok || value == "" {
		return nil
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return nil
		}
	}
	return Errors.New(Errors.SourceBatch, 999, fmt.Sprintf("--%s: %q is not one of %v", flag, value, allowed))
}

// filterSourcePrefixes reports whether tag starts with any of the
// whitelisted, comma-separated source prefixes a --sources flag selected.
// An empty selection means "no filter, show everything".
func filterSourcePrefixes(tag string, selected []string) bool {
	if len(selected) == 0 {
		return true
	}
	for _, s := range selected {
		if strings.HasPrefix(tag, s) {
			return true
		}
	}
	return false
}
