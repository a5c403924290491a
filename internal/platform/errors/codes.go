// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeProviderNotFound indicates an unregistered provider id.
	CodeProviderNotFound Code = "PROVIDER_NOT_FOUND"
	// CodeInvalidState indicates a missing, expired, or mismatched CSRF state.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeOAuthError indicates the provider rejected a code or token exchange.
	CodeOAuthError Code = "OAUTH_ERROR"
	// CodeTokenExpired indicates a stale access token with no refresh token available.
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	// CodeProvisioningFailed indicates external user creation failed.
	CodeProvisioningFailed Code = "PROVISIONING_FAILED"
	// CodeUserNotFound indicates a profile lookup came back empty.
	CodeUserNotFound Code = "USER_NOT_FOUND"
	// CodeLinkNotFound indicates no linked account exists for the requested pair.
	CodeLinkNotFound Code = "LINK_NOT_FOUND"
)

// HTTPStatus maps the code to the HTTP status class used at the boundary.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeProviderNotFound, CodeUserNotFound, CodeLinkNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusBadRequest
	case CodeOAuthError, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeProvisioningFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
