package domain

import "errors"

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates that an operation is not valid for the
	// deployment's current status. Never retried; surfaced to the caller.
	ErrInvalidState = errors.New("invalid state")

	// ErrAssetBusy indicates that a target asset is already claimed by
	// another in-flight deployment.
	ErrAssetBusy = errors.New("asset busy")

	// ErrBaselineUnavailable indicates that the pre-rollout baseline
	// could not be captured. Fatal for start; the deployment stays pending.
	ErrBaselineUnavailable = errors.New("baseline unavailable")

	// ErrPolicyViolation indicates a malformed strategy or policy
	// configuration, rejected at deployment creation.
	ErrPolicyViolation = errors.New("policy violation")
)
