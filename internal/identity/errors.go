package identity

import "errors"

// Failure codes carried in the login redirect's error query parameter.
const (
	FailureCodeNoCode       = "no_code"
	FailureCodeNoToken      = "no_token"
	FailureCodeNoEmail      = "no_email"
	FailureCodeInvalidState = "invalid_state"
	FailureCodeAuthFailed   = "auth_failed"
)

var (
	// ErrMissingCode indicates the callback arrived without an authorization code.
	ErrMissingCode = errors.New("callback.missing_code")
	// ErrTokenExchangeFailed indicates the provider answered the code exchange without an access token.
	ErrTokenExchangeFailed = errors.New("callback.token_exchange_failed")
	// ErrNoPrimaryEmail indicates neither a primary-flagged email nor a public profile email exists.
	ErrNoPrimaryEmail = errors.New("callback.no_primary_email")
	// ErrDirectoryUnavailable indicates the user directory failed during reconciliation.
	ErrDirectoryUnavailable = errors.New("callback.directory_unavailable")
	// ErrInvalidState indicates the anti-forgery state parameter was missing, unknown, or expired.
	ErrInvalidState = errors.New("callback.invalid_state")
	// ErrAuthFailed is the catch-all for transport, provider, and unexpected failures.
	ErrAuthFailed = errors.New("callback.auth_failed")
)

// FailureCode maps an error from any callback stage to the stable code exposed to the frontend.
// Directory outages share auth_failed so the frontend contract stays at four codes.
func FailureCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCode):
		return FailureCodeNoCode
	case errors.Is(err, ErrTokenExchangeFailed):
		return FailureCodeNoToken
	case errors.Is(err, ErrNoPrimaryEmail):
		return FailureCodeNoEmail
	case errors.Is(err, ErrInvalidState):
		return FailureCodeInvalidState
	default:
		return FailureCodeAuthFailed
	}
}
