package errors

import (
	"fmt"
	"net/http"
)

// Code represents an error code with HTTP status and message
type Code struct {
	Code    int    // Business error code
	Status  int    // HTTP status code
	Message string // Error message
}

// Error codes for different modules
const (
	// Success
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer  = 1000
	ErrInvalidParams   = 1001
	ErrNotFound        = 1002
	ErrConflict        = 1003
	ErrBadRequest      = 1004
	ErrTooManyRequests = 1005
	ErrServiceUnavail  = 1006

	// File errors (2000-2999)
	ErrFileEmpty         = 2000
	ErrFileNotFound      = 2001
	ErrFileTooLarge      = 2002
	ErrFileReadFailed    = 2003
	ErrFileStorageFailed = 2004
	ErrFileHashConflict  = 2005
	ErrFileBlobMissing   = 2006

	// Query errors (3000-3999)
	ErrQueryInvalidParams = 3000
)

// codeMap maps error codes to their details
var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	// Common errors
	ErrInternalServer:  {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:   {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:        {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrConflict:        {ErrConflict, http.StatusConflict, "Resource conflict"},
	ErrBadRequest:      {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrTooManyRequests: {ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
	ErrServiceUnavail:  {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	// File errors
	ErrFileEmpty:         {ErrFileEmpty, http.StatusBadRequest, "No file provided"},
	ErrFileNotFound:      {ErrFileNotFound, http.StatusNotFound, "File not found"},
	ErrFileTooLarge:      {ErrFileTooLarge, http.StatusBadRequest, "File is too large"},
	ErrFileReadFailed:    {ErrFileReadFailed, http.StatusBadRequest, "Failed to read file content"},
	ErrFileStorageFailed: {ErrFileStorageFailed, http.StatusInternalServerError, "Failed to store file content"},
	ErrFileHashConflict:  {ErrFileHashConflict, http.StatusConflict, "Concurrent upload conflict"},
	ErrFileBlobMissing:   {ErrFileBlobMissing, http.StatusInternalServerError, "Stored content is missing"},

	// Query errors
	ErrQueryInvalidParams: {ErrQueryInvalidParams, http.StatusBadRequest, "Invalid query parameters"},
}

// GetCode returns the Code details for a given error code
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsSuccess checks if the code represents success
func IsSuccess(code int) bool {
	return code == Success
}

// IsClientError checks if the code represents a client error (4xx)
func IsClientError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 400 && status < 500
}

// IsServerError checks if the code represents a server error (5xx)
func IsServerError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 500
}

// FormatError formats an error message with code
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
