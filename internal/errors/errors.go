// Package errors consolidates error definitions for the fieldsync application.
//
// This package provides:
// - Sentinel errors for every failure class the sync layer distinguishes
// - Category checking functions used by the auth state machine and the
//   fetch orchestrator to pick a recovery path
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Authentication errors
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrRetriesExhausted     = errors.New("authentication retries exhausted")

	// Rate limiting
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Network errors
	ErrNetworkFailure   = errors.New("network failure")
	ErrTimeout          = errors.New("request timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Storage errors
	ErrStorageFailure     = errors.New("storage failure")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Configuration errors
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrMissingField         = errors.New("missing required field")

	// State errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClientClosed      = errors.New("client is closed")

	// Poll session errors
	ErrSessionExists   = errors.New("poll session already exists")
	ErrSessionNotFound = errors.New("poll session not found")

	// Dataset errors
	ErrUnknownDataset = errors.New("unknown dataset type")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsAuth returns true if err is an authentication error.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrRetriesExhausted)
}

// IsRateLimit returns true if err is a rate-limit error.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

// IsNetwork returns true if err is a network error, including timeouts.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkFailure) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsStorage returns true if err is a storage error.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrStorageUnavailable)
}

// IsRetriable returns true if the error may succeed on retry.
// Rate-limit errors are not retriable: they impose a fixed cooldown
// instead of a backoff schedule.
func IsRetriable(err error) bool {
	return IsNetwork(err) || errors.Is(err, ErrAuthenticationFailed)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}
