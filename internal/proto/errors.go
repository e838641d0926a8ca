package proto

import "errors"

var (
	// ErrMalformedEnvelope covers bad magic, truncated frames and unparsable
	// bodies. Malformed traffic is dropped, never retried.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnsupportedVersion is returned only when the schema version is below
	// the configured floor; versions ahead of ours within the supported range
	// still decode.
	ErrUnsupportedVersion = errors.New("unsupported schema version")

	// ErrValidation covers structural/bounds violations found after decode.
	ErrValidation = errors.New("validation failed")
)
