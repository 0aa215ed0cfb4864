package ingerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeAndHTTPStatus(t *testing.T) {
	cases := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{&ValidationError{Msg: "bad ontology"}, "validation_error", http.StatusBadRequest},
		{&AuthError{Msg: "no principal"}, "auth_error", http.StatusUnauthorized},
		{&QuotaError{Msg: "over budget"}, "quota_error", http.StatusPaymentRequired},
		{&AdapterTransientError{Cause: errors.New("timeout")}, "adapter_transient_error", http.StatusBadGateway},
		{&AdapterFatalError{Cause: errors.New("bad schema")}, "adapter_fatal_error", http.StatusUnprocessableEntity},
		{&StoreError{Cause: errors.New("constraint")}, "store_error", http.StatusInternalServerError},
		{&CancelledError{Reason: "user requested"}, "cancelled", http.StatusConflict},
		{errors.New("plain"), "internal", http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.wantCode, Code(c.err))
		assert.Equal(t, c.wantStatus, HTTPStatus(c.err))
	}
}

func TestWrappedErrorsStillMatch(t *testing.T) {
	base := &StoreError{Cause: errors.New("conn refused")}
	wrapped := fmt.Errorf("upsert concept: %w", base)
	assert.Equal(t, "store_error", Code(wrapped))
}
