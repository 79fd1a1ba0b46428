package pipeline

import "errors"

// Sentinel errors produced by the pipeline. Stages and clients classify
// them with errors.Is.
var (
	// ErrConnectionFailed marks a connect attempt that did not reach the
	// broker. Usually transient.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionDropped marks an established connection lost without a
	// deliberate disconnect. Transient.
	ErrConnectionDropped = errors.New("connection dropped")

	// ErrOperationTimeout marks an op that did not complete within its
	// stage-assigned deadline. Transient.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrOperationCancelled marks an op abandoned because the pipeline
	// was deliberately disconnected or shut down.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrPipelineShutdown marks an op submitted after shutdown.
	ErrPipelineShutdown = errors.New("pipeline is shut down")
)

// IsTransient reports whether err represents a temporary condition worth
// retrying. Anything not in the known-transient set is treated as
// permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrConnectionDropped) ||
		errors.Is(err, ErrOperationTimeout)
}
