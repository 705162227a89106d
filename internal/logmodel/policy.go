// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

// SkipPolicy decides which actions are not logged at all. The decision is
// made before any storage work, so a skipped action costs nothing.
type SkipPolicy struct {
	// DisabledNamespaces drop every action kind.
	DisabledNamespaces []string

	// DisabledPullNamespaces drop pull-class kinds only.
	DisabledPullNamespaces []string

	// DisablePullLogsForFreeNamespaces drops pull-class kinds for namespaces
	// on a free plan.
	DisablePullLogsForFreeNamespaces bool
}

// ShouldSkip reports whether an action in the given namespace is excluded
// from logging entirely.
func (p SkipPolicy) ShouldSkip(kindName, namespaceName string, isFreeNamespace bool) bool {
	for _, ns := range p.DisabledNamespaces {
		if ns == namespaceName {
			return true
		}
	}
	if !IsPullClassKind(kindName) {
		return false
	}
	if p.DisablePullLogsForFreeNamespaces && isFreeNamespace {
		return true
	}
	for _, ns := range p.DisabledPullNamespaces {
		if ns == namespaceName {
			return true
		}
	}
	return false
}

// StrictPolicy decides which write failures are swallowed rather than
// surfaced to the request handler. A tolerated failure is still logged and
// counted; the caller just proceeds as if the write succeeded.
type StrictPolicy struct {
	// AllowWithoutStrictLogging names kinds whose write failures never fail
	// the request.
	AllowWithoutStrictLogging []string

	// AllowPullsWithoutStrictLogging extends the exemption to all pull-class
	// kinds.
	AllowPullsWithoutStrictLogging bool
}

// Tolerates reports whether a write failure for the kind may be swallowed.
func (p StrictPolicy) Tolerates(kindName string) bool {
	if p.AllowPullsWithoutStrictLogging && IsPullClassKind(kindName) {
		return true
	}
	for _, kind := range p.AllowWithoutStrictLogging {
		if kind == kindName {
			return true
		}
	}
	return false
}

// DefaultStrictPolicy tolerates pull failures only, matching the default
// registry configuration.
func DefaultStrictPolicy() StrictPolicy {
	return StrictPolicy{AllowWithoutStrictLogging: []string{KindPullRepo}}
}
