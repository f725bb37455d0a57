package index

import "errors"

var (
	// ErrQuotaExceeded is returned when an add would push a collection past
	// its hard cap. The stored index is untouched.
	ErrQuotaExceeded = errors.New("index: collection quota exceeded")

	// ErrCorrupted is returned when a stored key exists but its JSON cannot
	// be parsed. Corruption is never silently replaced with defaults.
	ErrCorrupted = errors.New("index: stored index is corrupted")

	// ErrNotFound is returned when an entity ID is absent from its index.
	ErrNotFound = errors.New("index: entity not found")

	// ErrNameTaken is returned when an entity name collides within its
	// library.
	ErrNameTaken = errors.New("index: name already in use")

	// ErrBundledImmutable is returned when a caller tries to delete or
	// mutate a bundled model.
	ErrBundledImmutable = errors.New("index: bundled models are immutable")
)
