package interfaces

import "errors"

var (
	// ErrKeyUnavailable is returned when an operation requires the master
	// encryption key but the seal manager is sealed. Callers must treat this
	// as fail-closed: no partial decryption is ever attempted.
	ErrKeyUnavailable = errors.New("master key unavailable: system is sealed")

	// ErrInsufficientShares is returned when fewer than threshold distinct
	// shares are supplied to a reconstruction.
	ErrInsufficientShares = errors.New("insufficient shares for reconstruction")

	// ErrInvalidShare is returned when a share's format or index is malformed.
	ErrInvalidShare = errors.New("invalid share")

	// ErrDecryptFailed is returned on an authentication-tag mismatch. It
	// indicates tampering or corruption and is never silently recovered from.
	ErrDecryptFailed = errors.New("decryption failed: authentication mismatch")

	// ErrBlobNotFound is returned when no encrypted blob exists for a resident.
	ErrBlobNotFound = errors.New("encrypted blob not found")

	// ErrRunInProgress is returned when a run is requested for a resident that
	// already holds the run lock. It is an expected, logged no-op rather than
	// a failure.
	ErrRunInProgress = errors.New("run already in progress for resident")

	// ErrCeremonyConflict is returned when a ceremony's preconditions clash
	// with the audit log, e.g. a second initial split after one has completed.
	ErrCeremonyConflict = errors.New("ceremony conflicts with prior completed ceremony")

	// ErrSelfDeleteUnconfirmed is returned when the self-delete tool is
	// invoked without the explicit confirmation flag. No state is changed.
	ErrSelfDeleteUnconfirmed = errors.New("self-deletion requires explicit confirmation")

	// ErrResidentNotFound is returned when a resident record does not exist.
	ErrResidentNotFound = errors.New("resident not found")

	// ErrGuardianNotFound is returned when a guardian record does not exist.
	ErrGuardianNotFound = errors.New("guardian not found")

	// ErrShareIndexTaken is returned when adding a guardian with a share
	// index that has already been assigned. Indices are never reused, even
	// across reshare ceremonies.
	ErrShareIndexTaken = errors.New("share index already assigned")
)
