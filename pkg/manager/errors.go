package manager

import "errors"

// Error kinds surfaced to the control channels. Handlers map these onto the
// "<request>_error" response variants; everything else is reported verbatim.
var (
	// ErrNotFound means no record exists for the requested container name
	ErrNotFound = errors.New("instance not found")

	// ErrPrecondition means the stored status does not allow the transition
	ErrPrecondition = errors.New("precondition failed")

	// ErrMaxInstances means the host is at system.max_instance_count
	ErrMaxInstances = errors.New("Max instance count reached")

	// ErrBadRequest means a field failed semantic validation
	ErrBadRequest = errors.New("bad request")
)
