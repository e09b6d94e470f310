package task

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapsKnownKinds(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrorKindValidation))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(ErrorKindUnauthenticated))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrorKindNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrorKindConflict))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrorKindServiceUnavailable))
}

func TestHTTPStatusFallsBackToInternalError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrorKindTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrorKindAbandoned))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrorKindExecutorTransient))
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrNotFound, ErrConflict))
	assert.True(t, errors.Is(ErrNotFound, ErrNotFound))
}
