package fanout

import "errors"

var (
	// ErrInvalidConfiguration is returned by New and Validate for unusable settings
	ErrInvalidConfiguration = errors.New("fanout: invalid configuration")

	// ErrNotStarted is returned by Publish under the error pending policy
	// when Start was never called
	ErrNotStarted = errors.New("fanout: client not started")

	// ErrClosed is returned once Stop has been called
	ErrClosed = errors.New("fanout: client closed")
)
