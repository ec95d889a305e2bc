package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings
var errorStatusCodes = map[error]int{
	ErrInvalidInput:  http.StatusBadRequest,
	ErrInternalError: http.StatusInternalServerError,

	ErrMalformedMessage:         http.StatusBadRequest,
	ErrMissingMediaPort:         http.StatusBadRequest,
	ErrUnresolvableLocalAddress: http.StatusBadRequest,
	ErrInvalidInvitation:        http.StatusBadRequest,
	ErrMissingHeader:            http.StatusBadRequest,
	ErrCallerNotAllowed:         http.StatusForbidden,
	ErrTransportNotReady:        http.StatusServiceUnavailable,
	ErrNetworkFailure:           http.StatusBadGateway,
}

// WriteError writes a standardized JSON error response
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	if err == nil {
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{
			"error": "Unknown error",
		}
	} else if errors.As(err, &serr) {
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	} else {
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{
			"error": err.Error(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}

		var serr *Error
		if errors.As(err, &serr) && serr.Code != "" {
			if code, ok := errorCodeStatusMap[serr.Code]; ok {
				return code
			}
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}

	return http.StatusInternalServerError
}

// Error code to HTTP status mapping
var errorCodeStatusMap = map[string]int{
	"INVALID_INPUT":              http.StatusBadRequest,
	"INTERNAL_ERROR":             http.StatusInternalServerError,
	"MALFORMED_MESSAGE":          http.StatusBadRequest,
	"MISSING_MEDIA_PORT":         http.StatusBadRequest,
	"UNRESOLVABLE_LOCAL_ADDRESS": http.StatusBadRequest,
	"INVALID_INVITATION":         http.StatusBadRequest,
	"MISSING_HEADER":             http.StatusBadRequest,
	"CALLER_NOT_ALLOWED":         http.StatusForbidden,
	"TRANSPORT_NOT_READY":        http.StatusServiceUnavailable,
}
