// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
)

// APIError is a structured non-success response from the service.
// Callers use errors.As to extract it:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.StatusCode == http.StatusNotFound { ... }
//	}
type APIError struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
	// Message is the human-readable error from the server.
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: server rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsStatus checks whether err is an *APIError with the given HTTP
// status code.
func IsStatus(err error, statusCode int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}
