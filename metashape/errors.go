package metashape

import "errors"

var (
	// ErrDataIntegrity is returned when the host delivers malformed tie-point
	// or camera data, such as a point with no observations.
	ErrDataIntegrity = errors.New("malformed project data")

	// ErrConfiguration is returned for invalid filter or scheduler settings,
	// and when a filter pass would discard every tie point.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrCorrespondence is returned by a strict pose transfer when a target
	// camera has no usable match in the reference chunk.
	ErrCorrespondence = errors.New("unmatched camera correspondence")

	// ErrConcurrency is returned when a second alignment session is started
	// against a chunk that already has one running.
	ErrConcurrency = errors.New("session already active for chunk")

	// ErrHostOperation is returned when a call into the host application
	// fails or times out.
	ErrHostOperation = errors.New("host operation failed")
)
