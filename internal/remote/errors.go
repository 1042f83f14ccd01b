package remote

import (
	"errors"
	"fmt"
)

// AppError is a response the server delivered with success=false.
type AppError struct {
	Path string
	Code string
	Msg  string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: server error %s: %s", e.Path, e.Code, e.Msg)
}

// TransportError is a request that never produced a usable envelope:
// unreachable host, timeout, non-2xx status or an undecodable body.
type TransportError struct {
	Path   string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAppError reports whether err carries a server-side rejection.
func IsAppError(err error) bool {
	var ae *AppError
	return errors.As(err, &ae)
}
