package store

import "errors"

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrVersionConflict is returned when a conditional update loses the race.
	// Callers retry with bounded attempts, then surface ErrConcurrency.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrency is returned when conditional-update retries are exhausted.
	ErrConcurrency = errors.New("concurrent modification persisted across retries")

	// ErrNoTasks is returned by Claim when no deliverable task is ready.
	ErrNoTasks = errors.New("no tasks available")

	// ErrLeaseLost is returned by Heartbeat when the caller no longer holds
	// the task lease.
	ErrLeaseLost = errors.New("task lease lost")
)
