package domain

import "errors"

var (
	// ErrAttemptConflict is returned when a STARTED or COMPLETED attempt
	// already covers the requested period, or a RETRY attempt is running.
	ErrAttemptConflict = errors.New("attempt_conflict")

	// ErrMissingPeriod is a precondition failure: the job cannot start
	// without a valid target period.
	ErrMissingPeriod = errors.New("missing_target_period")

	// ErrMissingAttempt is a precondition failure: chunk work requires the
	// attempt opened by the guard.
	ErrMissingAttempt = errors.New("missing_attempt_id")

	// ErrInvalidBatchConfig rejects non-positive chunk, flush, or page sizes.
	ErrInvalidBatchConfig = errors.New("invalid_batch_config")

	ErrAttemptNotFound = errors.New("attempt_not_found")

	// ErrNoStalledAttempt means resume found nothing past the cutoff.
	ErrNoStalledAttempt = errors.New("no_stalled_attempt")

	// ErrYoungAttemptRunning blocks resume while a fresh STARTED attempt
	// may still be making progress.
	ErrYoungAttemptRunning = errors.New("attempt_still_running")
)
