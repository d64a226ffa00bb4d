package local

import "errors"

// Errors returned by LocalStore operations.
//
// Persistence failures are passed through wrapped; check them with
// persistence.IsTransient and persistence.IsUnrecoverable.
var (
	// ErrUnknownBatch is returned when acknowledging or rejecting a batch
	// that is not in the mutation queue.
	ErrUnknownBatch = errors.New("unknown mutation batch")

	// ErrUnknownTarget is returned when releasing a target that was never
	// allocated or was already released.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrVersionRegression is returned when a remote event is older than
	// the last one applied.
	ErrVersionRegression = errors.New("remote snapshot version went backwards")

	// ErrNotStarted is returned by operations called before Start.
	ErrNotStarted = errors.New("local store not started")
)
