// Package repair rebuilds damaged messages: it rewrites redacted sender
// headers, reconnects detached attachments, repairs truncated bodies and
// records every change in audit headers so each repair stays explicit and
// reversible.
package repair

import (
	"strings"

	"github.com/eslider/listrescue/internal/mimetree"
)

// The export replaces the domain of the submitter's address with "..." in
// every header that carries it. These are the headers known to always
// contain the sender's address as a substring.
var redactedHeaders = []string{"From", "X-Sender", "Return-Path"}

const (
	// redactionMarker is the upstream replacement for the address domain.
	redactionMarker = "@..."

	// originalHeaderPrefix marks the backup copy of a rewritten header.
	originalHeaderPrefix = "X-Original-Redacted-"
)

// syntheticDomain derives the deterministic per-submitter replacement
// domain. The .invalid TLD is reserved and can never resolve.
func syntheticDomain(pseudonym string) string {
	return pseudonym + ".invalid"
}

// RepairHeaders rewrites redacted address fragments in the fixed allow-list
// of sender-bearing headers, preserving each original value under a backup
// header. A message with no usable pseudonym is left untouched; so is any
// header the patterns do not match, which also makes the rewrite idempotent.
func RepairHeaders(root *mimetree.Part, pseudonym string) {
	if pseudonym == "" {
		return
	}
	domain := syntheticDomain(pseudonym)

	for _, name := range redactedHeaders {
		value := root.Header.Get(name)
		if value == "" {
			continue
		}
		repaired, changed := repairAddress(value, domain)
		if !changed {
			continue
		}
		root.Header.Add(originalHeaderPrefix+name, value)
		root.Header.Set(name, repaired)
	}
}

// repairAddress applies the two rewrite patterns in order: the
// angle-bracketed form "local@...>" first, then a value ending in a bare
// "@..." suffix.
func repairAddress(value, domain string) (string, bool) {
	if idx := strings.Index(value, redactionMarker + ">"); idx >= 0 {
		return value[:idx] + "@" + domain + ">" + value[idx+len(redactionMarker)+1:], true
	}
	if strings.HasSuffix(value, redactionMarker) {
		return strings.TrimSuffix(value, redactionMarker) + "@" + domain, true
	}
	return value, false
}
