package task

import (
	"errors"
	"net/http"
)

// Sentinel errors returned by Store/Broker/Lifecycle implementations.
// Components compare against these with errors.Is, never by string match,
// following the teacher framework's convention of one error.New per
// condition rather than ad-hoc fmt.Errorf comparisons.
var (
	ErrAlreadyExists    = errors.New("task already exists")
	ErrNotFound         = errors.New("task not found")
	ErrConflict         = errors.New("conflict: state forbids the requested action")
	ErrAlreadyTerminal  = errors.New("task is already in a terminal state")
	ErrNotRetriable     = errors.New("task is not in a retriable failed state")
	ErrServiceUnavailable = errors.New("store or broker unreachable")
	ErrQueueEmpty       = errors.New("no entries available on the requested queues")
)

// HTTPStatus maps an ErrorKind to the status code spec §7 assigns it on the
// Submission API surface. Kinds that never reach the client directly as an
// HTTP response (EnqueueFailed, ExecutorTransient/Permanent, Timeout,
// Abandoned, Cancelled) fall back to 500, since those are only ever
// observed via GetStatus on an already-terminal record, not as a request
// failure.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case ErrorKindValidation:
		return http.StatusBadRequest
	case ErrorKindUnauthenticated:
		return http.StatusUnauthorized
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindConflict:
		return http.StatusBadRequest
	case ErrorKindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
