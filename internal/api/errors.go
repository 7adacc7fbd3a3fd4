package api

import "errors"

var (
	// ErrInvalidCredentials means the server rejected the username or
	// password during login.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUnreachable means the server could not be contacted at all.
	// This is the one hard failure a login flow surfaces to the user;
	// everywhere else the agent degrades to offline mode.
	ErrUnreachable = errors.New("server unreachable")

	// ErrReauthRequired means the stored tokens are gone or no longer
	// accepted and the user has to log in again.
	ErrReauthRequired = errors.New("authentication required, please log in again")
)
