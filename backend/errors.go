package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches any reply with status 404: the dataset or node is gone
// on the server side.
var ErrNotFound = errors.New("backend: not found")

// ErrUnauthorized matches any reply with status 401: the session expired.
var ErrUnauthorized = errors.New("backend: unauthorized")

// ErrInvalidName is returned for dataset names that cannot be used in a URL.
var ErrInvalidName = errors.New("backend: invalid dataset name")

// ProblemError is a non-2xx reply from the analysis service. Problem carries
// the service's own explanation when the body had one.
type ProblemError struct {
	Op      string
	Status  int
	Problem string
}

func (e *ProblemError) Error() string {
	if e.Problem != "" {
		return fmt.Sprintf("backend: %s: status %d (%s)", e.Op, e.Status, e.Problem)
	}
	return fmt.Sprintf("backend: %s: status %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

// Is lets errors.Is(err, ErrNotFound) and errors.Is(err, ErrUnauthorized)
// match on the status code.
func (e *ProblemError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// NetworkError is a failure to reach the service or to read its reply.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("backend: %s: network problem: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
type ErrCircuitOpen struct {
	Op string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("backend: %s: circuit open", e.Op)
}

// IsNotFound reports whether err means the entity vanished server-side.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
