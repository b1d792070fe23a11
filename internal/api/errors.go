package api

import (
	"encoding/json"
	"net/http"

	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// Error codes returned in API responses, one per taxonomy.Code.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeImagePolicy        = "IMAGE_POLICY_VIOLATION"
	ErrCodePathViolation      = "PATH_VIOLATION"
	ErrCodeETagConflict       = "ETAG_CONFLICT"
	ErrCodeConcurrencyLimit   = "CONCURRENCY_LIMIT"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
	ErrCodeRuntimeError       = "RUNTIME_ERROR"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// APIError is the structured error body every non-2xx response carries.
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var codeToStatus = map[taxonomy.Code]struct {
	apiCode string
	status  int
}{
	taxonomy.CodeNotFound:           {ErrCodeNotFound, http.StatusNotFound},
	taxonomy.CodeAlreadyExists:      {ErrCodeAlreadyExists, http.StatusConflict},
	taxonomy.CodeImagePolicy:        {ErrCodeImagePolicy, http.StatusForbidden},
	taxonomy.CodePathViolation:      {ErrCodePathViolation, http.StatusForbidden},
	taxonomy.CodeETagConflict:       {ErrCodeETagConflict, http.StatusPreconditionFailed},
	taxonomy.CodeConcurrencyLimit:   {ErrCodeConcurrencyLimit, http.StatusTooManyRequests},
	taxonomy.CodeTimeout:            {ErrCodeTimeout, http.StatusGatewayTimeout},
	taxonomy.CodeCancelled:          {ErrCodeCancelled, http.StatusConflict},
	taxonomy.CodeRuntimeUnavailable: {ErrCodeRuntimeUnavailable, http.StatusServiceUnavailable},
	taxonomy.CodeRuntimeError:       {ErrCodeRuntimeError, http.StatusBadGateway},
	taxonomy.CodeInternal:           {ErrCodeInternal, http.StatusInternalServerError},
}

// writeAPIError maps a dispatcher error to a structured response using the
// taxonomy's classification rather than a per-package errors.Is chain —
// every taxonomy.Code gets exactly one HTTP status, decided once here.
func writeAPIError(w http.ResponseWriter, err error) {
	code := taxonomy.Classify(err)
	mapped, ok := codeToStatus[code]
	if !ok {
		mapped = codeToStatus[taxonomy.CodeInternal]
	}
	writeJSON(w, mapped.status, APIError{Code: mapped.apiCode, Message: err.Error()})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, APIError{Code: ErrCodeInvalidRequest, Message: message})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{Code: ErrCodeUnauthorized, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
