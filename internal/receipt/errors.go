package receipt

import "errors"

var (
	// ErrNotFound means the receipt id is unknown
	ErrNotFound = errors.New("receipt not found")
	// ErrUnauthenticated means the caller has no identity
	ErrUnauthenticated = errors.New("user not authenticated")
	// ErrMissingCredential means no extraction-service key is configured
	ErrMissingCredential = errors.New("gemini api key not configured")
	// ErrTransfer covers image upload and download failures
	ErrTransfer = errors.New("image transfer failed")
	// ErrUpstream means an external model service answered with a failure or nothing at all
	ErrUpstream = errors.New("upstream service failed")
	// ErrMalformedOutput means JSON recovery was exhausted
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrPersistence means a write to the store failed
	ErrPersistence = errors.New("persistence failed")
	// ErrTerminal means the receipt already reached completed or error
	ErrTerminal = errors.New("receipt already finished")
)
