// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/service/transport layers.
var (
	// ErrNotFound indicates an unknown instance, token, or app binding.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the oracle rejected the request or credentials are absent/malformed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable indicates the authentication oracle could not be reached.
	ErrUnavailable = errors.New("unavailable")

	// ErrMalformed indicates a request rejected before any store access (bad body, content type).
	ErrMalformed = errors.New("malformed request")

	// ErrForbidden indicates an unsupported operation or a path of the wrong shape.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates a watched transaction kept losing to concurrent writers.
	ErrConflict = errors.New("conflict")
)
