package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeNotFound, CodeOf(Ef(CodeNotFound, "missing")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeDeadlineExceeded, CodeOf(context.DeadlineExceeded))

	wrapped := fmt.Errorf("outer: %w", Ef(CodeAlreadyExists, "taken"))
	assert.Equal(t, CodeAlreadyExists, CodeOf(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeOK:                 http.StatusOK,
		CodeInvalidArgument:    http.StatusBadRequest,
		CodeInvalidURI:         http.StatusBadRequest,
		CodeUnauthenticated:    http.StatusUnauthorized,
		CodePermissionDenied:   http.StatusForbidden,
		CodeNotFound:           http.StatusNotFound,
		CodeAlreadyExists:      http.StatusConflict,
		CodeAborted:            http.StatusConflict,
		CodeSessionExpired:     http.StatusGone,
		CodeFailedPrecondition: http.StatusPreconditionFailed,
		CodeResourceExhausted:  http.StatusTooManyRequests,
		CodeInternal:           http.StatusInternalServerError,
		CodeNotInitialized:     http.StatusInternalServerError,
		CodeProcessingError:    http.StatusInternalServerError,
		CodeEmbeddingFailed:    http.StatusInternalServerError,
		CodeVLMFailed:          http.StatusInternalServerError,
		CodeUnimplemented:      http.StatusNotImplemented,
		CodeUnavailable:        http.StatusServiceUnavailable,
		CodeDeadlineExceeded:   http.StatusGatewayTimeout,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestDetailsIncludeCause(t *testing.T) {
	err := E(CodeInternal, "write failed", errors.New("disk full"))
	details := DetailsOf(err)
	assert.Equal(t, "disk full", details["cause"])
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := E(CodeUnavailable, "backend down", cause)
	assert.True(t, errors.Is(err, cause))
}
