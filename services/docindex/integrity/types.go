// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package integrity

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for integrity operations.
var (
	// ErrNotHealable is returned by Heal when a report holds violations
	// other than hash mismatches.
	ErrNotHealable = errors.New("report is not healable")

	// ErrHealRateLimited is returned when the heal token bucket is empty.
	ErrHealRateLimited = errors.New("heal rate limit exceeded")

	// ErrMonitorRunning is returned by Start on a running monitor.
	ErrMonitorRunning = errors.New("monitor is already running")
)

// ViolationKind classifies a violation.
type ViolationKind string

const (
	// KindHashMismatch means the file content no longer matches the node hash.
	KindHashMismatch ViolationKind = "HASH_MISMATCH"

	// KindMissingFile means the file is gone or cannot be read.
	KindMissingFile ViolationKind = "MISSING_FILE"

	// KindStructureCorruption means a tree invariant is broken.
	KindStructureCorruption ViolationKind = "STRUCTURE_CORRUPTION"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// Violation is one integrity problem found by a sweep.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Severity Severity      `json:"severity"`
	NodeID   string        `json:"nodeId"`
	Path     string        `json:"path"`
	Expected string        `json:"expected,omitempty"`
	Actual   string        `json:"actual,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Err returns the violation as an *IntegrityError.
func (v Violation) Err() *IntegrityError {
	return &IntegrityError{Kind: v.Kind, NodeID: v.NodeID, Path: v.Path, Detail: v.Detail}
}

// IntegrityError reports a violation through the error interface.
type IntegrityError struct {
	Kind   ViolationKind
	NodeID string
	Path   string
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("integrity %s at %s: %s", e.Kind, e.Path, e.Detail)
	}
	return fmt.Sprintf("integrity %s at %s", e.Kind, e.Path)
}

// SuggestionKind classifies an optimization suggestion.
type SuggestionKind string

// SuggestionCache proposes promoting a frequently read node.
const SuggestionCache SuggestionKind = "CACHE"

// cacheSuggestionBenefit is the fixed estimated benefit of a CACHE suggestion.
const cacheSuggestionBenefit = 0.7

// Suggestion is a non-binding optimization hint.
type Suggestion struct {
	Kind    SuggestionKind `json:"kind"`
	NodeID  string         `json:"nodeId"`
	Path    string         `json:"path"`
	Benefit float64        `json:"benefit"`
	Detail  string         `json:"detail"`
}

// Report is the outcome of one verification.
//
// Valid requires both zero violations and a matching root. Healable is
// set for invalid reports whose violations are all hash mismatches,
// including a root-only mismatch.
type Report struct {
	CheckedAt    time.Time     `json:"checkedAt"`
	Duration     time.Duration `json:"duration"`
	NodesChecked int           `json:"nodesChecked"`
	Violations   []Violation   `json:"violations"`
	Suggestions  []Suggestion  `json:"suggestions"`
	StoredRoot   string        `json:"storedRoot"`
	ComputedRoot string        `json:"computedRoot"`
	RootMatches  bool          `json:"rootMatches"`
	Valid        bool          `json:"valid"`
	Healable     bool          `json:"healable"`
}

// CountByKind tallies violations per kind.
func (r *Report) CountByKind() map[ViolationKind]int {
	out := make(map[ViolationKind]int)
	for _, v := range r.Violations {
		out[v.Kind]++
	}
	return out
}

// Errors returns every violation as an error.
func (r *Report) Errors() []error {
	errs := make([]error, 0, len(r.Violations))
	for _, v := range r.Violations {
		errs = append(errs, v.Err())
	}
	return errs
}

// HealResult describes a committed heal.
type HealResult struct {
	TxID     string   `json:"txId"`
	Healed   []string `json:"healed"`
	Skipped  []string `json:"skipped,omitempty"`
	Deferred int      `json:"deferred"`
	RootHash string   `json:"rootHash"`
}
