package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		code        string
		message     string
		err         error
		wantDetails bool
	}{
		{
			name:        "basic error",
			status:      http.StatusBadRequest,
			code:        ErrorCodeInvalidRequest,
			message:     "Invalid input",
			err:         errors.New("test error"),
			wantDetails: true,
		},
		{
			name:    "nil error",
			status:  http.StatusInternalServerError,
			code:    ErrorCodeInternalError,
			message: "Something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			writeErrorResponse(w, r, tt.status, tt.code, tt.message, tt.err)

			if w.Code != tt.status {
				t.Errorf("writeErrorResponse() status = %v, want %v", w.Code, tt.status)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if resp.Status != "error" || resp.Code != tt.code || resp.Message != tt.message {
				t.Errorf("writeErrorResponse() body = %+v", resp)
			}
			if (resp.Details != nil) != tt.wantDetails {
				t.Errorf("writeErrorResponse() details = %v, want present=%v", resp.Details, tt.wantDetails)
			}
		})
	}
}

func TestWriteErrorResponseIncludesFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	err := errortypes.FetchError(errors.New("status 404"), "failed to fetch image").
		WithField("url", "https://img.example/gone.png")

	writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrorCodeInvalidImage, "Image could not be loaded", err)

	var resp ErrorResponse
	if jsonErr := json.Unmarshal(w.Body.Bytes(), &resp); jsonErr != nil {
		t.Fatalf("Failed to parse response: %v", jsonErr)
	}
	if resp.Details["url"] != "https://img.example/gone.png" {
		t.Errorf("Expected url field in details, got %v", resp.Details)
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation error",
			err:        errortypes.ValidationError(errors.New("invalid input"), "validation failed"),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "fetch error",
			err:        errortypes.FetchError(errors.New("status 404"), "failed to fetch image"),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrorCodeInvalidImage,
		},
		{
			name:       "decode error",
			err:        errortypes.DecodeError(errors.New("not an image"), "failed to decode image"),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrorCodeInvalidImage,
		},
		{
			name:       "model error",
			err:        errortypes.ModelError(errors.New("status 500"), "embedding failed"),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeBadGateway,
		},
		{
			name:       "store error",
			err:        errortypes.StoreError(errors.New("connection refused"), "failed to store record"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUnavailable,
		},
		{
			name:       "status error",
			err:        NewErrorWithStatus(errors.New("too big"), http.StatusRequestEntityTooLarge, ErrorCodeBodyTooLarge, "Invalid request body"),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   ErrorCodeBodyTooLarge,
		},
		{
			name:       "generic error",
			err:        errors.New("generic error"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrorCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/index", nil)

			HandleError(w, r, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleError() status = %v, want %v", w.Code, tt.wantStatus)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("HandleError() code = %v, want %v", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestErrorWithStatus(t *testing.T) {
	baseErr := errors.New("base error")
	statusErr := NewErrorWithStatus(baseErr, http.StatusNotFound, ErrorCodeResourceNotFound, "Resource not found")

	if statusErr.StatusCode() != http.StatusNotFound {
		t.Errorf("StatusCode() = %v, want %v", statusErr.StatusCode(), http.StatusNotFound)
	}
	if statusErr.ErrorCode() != ErrorCodeResourceNotFound {
		t.Errorf("ErrorCode() = %v, want %v", statusErr.ErrorCode(), ErrorCodeResourceNotFound)
	}
	if statusErr.Error() != "Resource not found: base error" {
		t.Errorf("Error() = %q", statusErr.Error())
	}
	if !errors.Is(statusErr, baseErr) {
		t.Error("Unwrap() should expose the base error")
	}
}
