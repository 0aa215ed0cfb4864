package ingerr

import (
	"errors"
	"net/http"
)

// Code returns a stable, client-facing string for the taxonomy member err
// wraps, or "internal" when err doesn't match a known type.
func Code(err error) string {
	switch {
	case errors.As(err, new(*ValidationError)):
		return "validation_error"
	case errors.As(err, new(*AuthError)):
		return "auth_error"
	case errors.As(err, new(*QuotaError)):
		return "quota_error"
	case errors.As(err, new(*AdapterTransientError)):
		return "adapter_transient_error"
	case errors.As(err, new(*AdapterFatalError)):
		return "adapter_fatal_error"
	case errors.As(err, new(*StoreError)):
		return "store_error"
	case errors.As(err, new(*CancelledError)):
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus maps a taxonomy error to the status code the HTTP surface
// should respond with. Raw adapter/store error strings are never leaked;
// callers should log err and respond with Code(err) plus this status.
func HTTPStatus(err error) int {
	switch {
	case errors.As(err, new(*ValidationError)):
		return http.StatusBadRequest
	case errors.As(err, new(*AuthError)):
		return http.StatusUnauthorized
	case errors.As(err, new(*QuotaError)):
		return http.StatusPaymentRequired
	case errors.As(err, new(*AdapterTransientError)):
		return http.StatusBadGateway
	case errors.As(err, new(*AdapterFatalError)):
		return http.StatusUnprocessableEntity
	case errors.As(err, new(*StoreError)):
		return http.StatusInternalServerError
	case errors.As(err, new(*CancelledError)):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
