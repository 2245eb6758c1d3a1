package vault

import "errors"

var (
	// ErrNotFound means the file, group or attribute does not exist, or
	// every live version of a file is tombstoned.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied means the caller's level in the relevant group is
	// below what the operation requires.
	ErrAccessDenied = errors.New("access denied")

	// ErrExists means Create found vault data already present at the
	// realm on the backend.
	ErrExists = errors.New("vault already exists")

	// ErrAuth means a signature or ciphertext failed verification.
	ErrAuth = errors.New("authentication failed")

	// ErrClosed means the vault handle was closed.
	ErrClosed = errors.New("vault closed")

	// ErrCancelled means the operation observed an explicit cancellation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout means the operation's deadline passed before it could
	// finish; partial results may still have been returned.
	ErrTimeout = errors.New("operation timed out")

	// ErrCorrupt means the index or a decoded record is inconsistent.
	ErrCorrupt = errors.New("corrupt vault state")

	// ErrQuota means a write would exceed the configured MaxStorage.
	ErrQuota = errors.New("storage quota exceeded")
)
