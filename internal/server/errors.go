package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// ErrorResponse represents the structure of error responses sent by the API
// outside of /api/search, which always answers with a search response.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Common error codes
const (
	ErrorCodeInvalidRequest   = "INVALID_REQUEST"
	ErrorCodeInvalidImage     = "INVALID_IMAGE"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
	ErrorCodeResourceNotFound = "RESOURCE_NOT_FOUND"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeBodyTooLarge     = "BODY_TOO_LARGE"
	ErrorCodeBadGateway       = "BAD_GATEWAY"
	ErrorCodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// writeErrorResponse writes a structured error response to the HTTP response writer
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	logger := loggerFrom(r)
	errResp := ErrorResponse{
		Status:    "error",
		Code:      code,
		Message:   message,
		RequestID: requestIDFrom(r),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}

		var appErr *errortypes.AppError
		if errors.As(err, &appErr) && len(appErr.Fields) > 0 {
			for k, v := range appErr.Fields {
				errResp.Details[k] = v
			}
		}

		logErr := errortypes.APIError(err, fmt.Sprintf("API Error (%s)", code)).
			WithField("status_code", status).
			WithField("error_code", code).
			WithField("client_message", message)
		if status < http.StatusInternalServerError {
			logger.Warn(logErr.Message, "error", err, "status_code", status)
		} else {
			errortypes.LogError(logger, logErr)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		logger.Error("Failed to encode error response", "error", err)
	}
}

// HandleBadRequest handles 400 Bad Request errors
func HandleBadRequest(w http.ResponseWriter, r *http.Request, message string, err error) {
	writeErrorResponse(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, message, err)
}

// HandleNotFound handles 404 Not Found errors
func HandleNotFound(w http.ResponseWriter, r *http.Request, message string, err error) {
	writeErrorResponse(w, r, http.StatusNotFound, ErrorCodeResourceNotFound, message, err)
}

// HandleTooManyRequests handles 429 Too Many Requests errors
func HandleTooManyRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	writeErrorResponse(w, r, http.StatusTooManyRequests, ErrorCodeRateLimited, "Too many requests", nil)
}

// HandleInternalError handles 500 Internal Server Error errors
func HandleInternalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	writeErrorResponse(w, r, http.StatusInternalServerError, ErrorCodeInternalError, message, err)
}

// HandleBadGateway handles 502 Bad Gateway errors
func HandleBadGateway(w http.ResponseWriter, r *http.Request, message string, err error) {
	writeErrorResponse(w, r, http.StatusBadGateway, ErrorCodeBadGateway, message, err)
}

// ErrorWithStatus creates an error with an HTTP status code
type ErrorWithStatus struct {
	err        error
	statusCode int
	errorCode  string
	message    string
}

// NewErrorWithStatus creates a new error with HTTP status code
func NewErrorWithStatus(err error, status int, code, message string) *ErrorWithStatus {
	return &ErrorWithStatus{
		err:        err,
		statusCode: status,
		errorCode:  code,
		message:    message,
	}
}

// Error returns the error message
func (e *ErrorWithStatus) Error() string {
	if e.message != "" {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error
func (e *ErrorWithStatus) Unwrap() error {
	return e.err
}

// StatusCode returns the HTTP status code
func (e *ErrorWithStatus) StatusCode() int {
	return e.statusCode
}

// ErrorCode returns the application error code
func (e *ErrorWithStatus) ErrorCode() string {
	return e.errorCode
}

// Message returns the client-friendly message
func (e *ErrorWithStatus) Message() string {
	return e.message
}

// HandleError handles any error, inspecting its type to determine the appropriate HTTP response
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var statusErr *ErrorWithStatus
	if errors.As(err, &statusErr) {
		writeErrorResponse(w, r, statusErr.StatusCode(), statusErr.ErrorCode(), statusErr.Message(), statusErr.Unwrap())
		return
	}

	switch errortypes.Kind(err) {
	case errortypes.ErrorTypeValidation:
		HandleBadRequest(w, r, "Invalid request parameters", err)
	case errortypes.ErrorTypeFetch, errortypes.ErrorTypeDecode:
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrorCodeInvalidImage, "Image could not be loaded", err)
	case errortypes.ErrorTypeModel, errortypes.ErrorTypeNetwork, errortypes.ErrorTypeAPI:
		HandleBadGateway(w, r, "Downstream service error", err)
	case errortypes.ErrorTypeStore:
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrorCodeUnavailable, "Record store unavailable", err)
	default:
		HandleInternalError(w, r, "An unexpected error occurred", err)
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		loggerFrom(r).Error("Failed to encode response", "error", err)
	}
}
