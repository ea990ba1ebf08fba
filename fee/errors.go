/*
errors.go - Error taxonomy for the fee engine

ERROR CATEGORIES:
  1. Pre-flight failures - no policy, bad hourly rate, unknown class or status.
     Nothing has been written yet.
  2. Transactional failures - missing or locked wallet, repeated processing,
     store errors. The whole run is rolled back.
  3. Refund workflow failures - logged and reported on the Result, never
     undo the charge that was already committed.

USAGE:
  if errors.Is(res.Err, fee.ErrWalletNotFound) { ... }
*/
package fee

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNoActivePolicy     = errors.New("no active fee policy")
	ErrInvalidHourlyRate  = errors.New("invalid hourly rate")
	ErrClassNotFound      = errors.New("class not found")
	ErrAttendanceNotFound = errors.New("attendance record not found")
	ErrUnknownStatus      = errors.New("unknown attendance status")

	// ErrWalletNotFound is fatal mid-run and triggers a rollback.
	ErrWalletNotFound = errors.New("student wallet not found")
	ErrWalletLocked   = errors.New("wallet is locked")

	// ErrAlreadyProcessed guards against charging the same attendance twice.
	ErrAlreadyProcessed = errors.New("attendance already fee-processed")

	// ErrAttendanceExists rejects a second save of the same attendance ID.
	ErrAttendanceExists = errors.New("attendance already recorded")

	// ErrRefundWorkflow is non-fatal: the charge stands.
	ErrRefundWorkflow = errors.New("refund workflow failed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type WalletNotFoundError struct {
	StudentID StudentID
}

func (e *WalletNotFoundError) Error() string {
	return fmt.Sprintf("student wallet not found: %s", e.StudentID)
}

func (e *WalletNotFoundError) Unwrap() error { return ErrWalletNotFound }

type WalletLockedError struct {
	WalletID WalletID
	Reason   string
}

func (e *WalletLockedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("wallet %s is locked", e.WalletID)
	}
	return fmt.Sprintf("wallet %s is locked: %s", e.WalletID, e.Reason)
}

func (e *WalletLockedError) Unwrap() error { return ErrWalletLocked }

// RefundWorkflowError wraps the cause of a failed refund trigger.
type RefundWorkflowError struct {
	StudentID StudentID
	ClassID   ClassID
	Streak    int
	Cause     error
}

func (e *RefundWorkflowError) Error() string {
	return fmt.Sprintf("refund workflow for student %s class %s (streak %d): %v",
		e.StudentID, e.ClassID, e.Streak, e.Cause)
}

func (e *RefundWorkflowError) Unwrap() []error { return []error{ErrRefundWorkflow, e.Cause} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing collaborator record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoActivePolicy) ||
		errors.Is(err, ErrClassNotFound) ||
		errors.Is(err, ErrAttendanceNotFound) ||
		errors.Is(err, ErrWalletNotFound)
}

// IsClientError returns true if re-invoking with the same input cannot succeed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownStatus) ||
		errors.Is(err, ErrInvalidHourlyRate) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrAttendanceExists) ||
		errors.Is(err, ErrWalletLocked)
}
