package service

import "errors"

// Pipeline error taxonomy. Operations wrap these with fmt.Errorf("...: %w")
// so callers branch with errors.Is while keeping the per-stage detail.
var (
	// ErrNotFound indicates the order, job, or tracking row is absent
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the entity refuses the operation in its
	// current state (payment not approved, already sent)
	ErrInvalidState = errors.New("invalid state")

	// ErrConfiguration indicates a missing secret or credential
	ErrConfiguration = errors.New("configuration error")

	// ErrUpstream indicates an external call failed or timed out
	ErrUpstream = errors.New("upstream error")

	// ErrNoCandidates indicates the matcher found nothing to work with
	ErrNoCandidates = errors.New("no candidates")

	// ErrRetryExceeded indicates the enrichment attempt cap was hit
	ErrRetryExceeded = errors.New("max retries exceeded")

	// ErrRateLimited indicates the worker-call budget is exhausted
	ErrRateLimited = errors.New("rate limited")
)
