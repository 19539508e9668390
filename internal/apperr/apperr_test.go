package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Invalid("url", "must be absolute"), http.StatusBadRequest, apperr.CodeValidation},
		{"wrapped not found", fmt.Errorf("getting endpoint: %w", apperr.ErrNotFound), http.StatusNotFound, apperr.CodeNotFound},
		{"unauthorized", apperr.ErrUnauthorized, http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"infrastructure", apperr.Infrastructure("claiming deliveries", errors.New("disk I/O error")), http.StatusServiceUnavailable, apperr.CodeUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, apperr.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, apperr.HTTPStatus(tc.err))
			assert.Equal(t, tc.code, apperr.Code(tc.err))
		})
	}
}

func TestDeliveryErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	transient := &apperr.TransientDeliveryError{Err: cause}
	permanent := &apperr.PermanentDeliveryFailure{Reason: "attempt ceiling reached", Last: transient}

	assert.ErrorIs(t, permanent, cause)
	assert.Equal(t, "attempt ceiling reached: connection refused", permanent.Error())
	assert.Equal(t, "endpoint responded with HTTP 503", (&apperr.TransientDeliveryError{StatusCode: 503}).Error())
}
