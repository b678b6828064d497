package status

import (
	"fmt"
	"sort"
)

// Class is the classification of an engine outcome code
type Class int

const (
	ClassOK        Class = iota // Success or benign partial success
	ClassRetryable              // Known transient failure, re-queued once
	ClassTerminal               // Reported to the user, never retried automatically
)

// String returns a human-readable representation of the class
func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Well-known engine outcome codes
const (
	CodeOK               = 0
	CodeHTTPOK           = 200
	CodeItemAdded        = 201
	CodeNoContent        = 204
	CodeItemMerged       = 207
	CodeConflictResolved = 208
	CodeItemReplaced     = 209
	CodeUnauthorized     = 401
	CodeForbidden        = 403
	CodeNotFound         = 404
	CodeRefreshRequired  = 508
	CodeTransportFailure = 20043
	CodeNoSourcesActive  = 22001
	CodeLocalSetupFailed = 22002
	CodeConnectionLost   = 22003
)

var descriptions = map[int]string{
	CodeOK:               "success",
	CodeHTTPOK:           "success",
	CodeItemAdded:        "items added",
	CodeNoContent:        "nothing to synchronize",
	CodeItemMerged:       "items merged",
	CodeConflictResolved: "conflicts resolved",
	CodeItemReplaced:     "items replaced",
	CodeUnauthorized:     "authentication failed",
	CodeForbidden:        "access forbidden",
	CodeNotFound:         "remote collection not found",
	CodeRefreshRequired:  "refresh required, previous incremental sync could not be applied",
	CodeTransportFailure: "transport failure",
	CodeNoSourcesActive:  "no sources active",
	CodeLocalSetupFailed: "could not set up a sync session",
	CodeConnectionLost:   "connection to the sync engine lost",
}

// Taxonomy classifies outcome codes. It is immutable after construction, so
// classification never depends on anything but the code.
type Taxonomy struct {
	ok         map[int]struct{}
	retryable  map[int]struct{}
	fullResync map[int]struct{}
}

// New builds a taxonomy from configuration
func New(config Config) (*Taxonomy, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	t := &Taxonomy{
		ok:         toSet(config.OKCodes),
		retryable:  toSet(config.RetryableCodes),
		fullResync: toSet(config.FullResyncCodes),
	}
	t.ok[CodeOK] = struct{}{}

	return t, nil
}

// Default returns the taxonomy built from DefaultConfig
func Default() *Taxonomy {
	t, err := New(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("status: invalid default config: %v", err))
	}
	return t
}

// Classify returns the class of an outcome code
func (t *Taxonomy) Classify(code int) Class {
	if _, ok := t.ok[code]; ok {
		return ClassOK
	}
	if _, ok := t.retryable[code]; ok {
		return ClassRetryable
	}
	return ClassTerminal
}

// ForcesFullSync reports whether code means the previous incremental run
// failed to apply and a new baseline is required
func (t *Taxonomy) ForcesFullSync(code int) bool {
	_, ok := t.fullResync[code]
	return ok
}

// RetryableCodes returns the allow-list in ascending order
func (t *Taxonomy) RetryableCodes() []int {
	return fromSet(t.retryable)
}

// Describe returns a short description of an outcome code
func Describe(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("sync engine status %d", code)
}

func toSet(codes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

func fromSet(set map[int]struct{}) []int {
	codes := make([]int, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}
