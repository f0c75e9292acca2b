package signaling

import "errors"

// Sentinel errors for expected failure conditions. Callers branch on these
// with errors.Is rather than parsing messages.
var (
	// ErrNoToken means the token endpoint answered without an access token.
	// Retrying with the same credentials cannot succeed.
	ErrNoToken = errors.New("no auth token received")

	// ErrConnectTimeout means the relay did not accept the WebSocket within
	// the dial deadline.
	ErrConnectTimeout = errors.New("signaling connect timeout")

	// ErrUnavailable means the reconnect budget is exhausted and the
	// transport has given up.
	ErrUnavailable = errors.New("signaling unavailable")

	// ErrAuthRejected means the relay closed the connection with a reserved
	// auth close code. The transport stops retrying; the user has to
	// re-authenticate.
	ErrAuthRejected = errors.New("signaling authentication rejected")
)

// Reserved relay close codes. These signal auth conditions that a reconnect
// with the same (now stale) token cannot fix.
const (
	CloseAuthFailed     = 4001
	CloseSessionExpired = 4002
	CloseUnauthorized   = 4003
)

// terminalClose reports whether a close code must end the retry loop.
func terminalClose(code int) bool {
	return code == CloseAuthFailed || code == CloseSessionExpired || code == CloseUnauthorized
}
