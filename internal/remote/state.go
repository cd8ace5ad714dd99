// Package remote - Authentication state machine
//
// The client's connection to the telemetry API is modeled as an explicit
// state machine with validated transitions. Every error observed during
// authentication or a call classifies into exactly one transition, which
// is what makes the backoff and cooldown logic testable without timing
// flakiness.

package remote

import "fmt"

// AuthState represents the authentication state of the client.
type AuthState int32

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticating
	StateAuthenticated
	StateRateLimited
)

// String returns the human-readable name of the state.
func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateTransition represents a state transition.
type stateTransition struct {
	from AuthState
	to   AuthState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Unauthenticated
	{StateUnauthenticated, StateAuthenticating}: true,

	// From Authenticating
	{StateAuthenticating, StateAuthenticated}:   true,
	{StateAuthenticating, StateRateLimited}:     true,
	{StateAuthenticating, StateUnauthenticated}: true,

	// From Authenticated: token rejected mid-session, or a call hit
	// the remote limiter.
	{StateAuthenticated, StateUnauthenticated}: true,
	{StateAuthenticated, StateRateLimited}:     true,

	// From RateLimited: cooldown expired.
	{StateRateLimited, StateUnauthenticated}: true,
}
