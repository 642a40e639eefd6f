package cdp

import (
	"errors"
	"fmt"
)

// ErrUpstreamSchemaMismatch means a 2xx response matched none of the known
// response shapes.
var ErrUpstreamSchemaMismatch = errors.New("cdp: upstream response schema mismatch")

// SigningError wraps failures to load the key or sign a credential.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("cdp: signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// UpstreamError carries a non-2xx response exactly as received.
type UpstreamError struct {
	Endpoint string
	Status   int
	Body     []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("cdp: %s returned status %d", e.Endpoint, e.Status)
}
