// Package orcherr defines the error taxonomy shared by every orchestration
// core component. Components return wrapped sentinel errors rather than
// ad-hoc strings so that callers can branch on failure kind with errors.Is.
package orcherr

import "errors"

// Sentinel errors for the taxonomy described in the orchestration core spec.
var (
	// ErrConfig marks a fatal configuration problem discovered at startup.
	ErrConfig = errors.New("config error")

	// ErrAuth marks a missing or invalid bearer token.
	ErrAuth = errors.New("auth error")

	// ErrUnknownTool marks a tool name absent from the caller's filtered surface.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments marks arguments that fail a tool's parameter schema.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrTransport marks a connect/timeout/5xx failure talking to a provider.
	ErrTransport = errors.New("transport error")

	// ErrTool marks a structured error payload returned by a tool server.
	ErrTool = errors.New("tool error")

	// ErrReasoning marks an irrecoverable reasoning-model call failure.
	ErrReasoning = errors.New("reasoning error")

	// ErrTruncated marks a turn that hit the round cap.
	ErrTruncated = errors.New("round cap reached")

	// ErrSessionNotFound marks a session absent or not owned by the caller.
	// Handlers translate this into an empty response, never a distinguishing error.
	ErrSessionNotFound = errors.New("session not found")
)

// Kind returns the taxonomy label for a wrapped error: empty for a nil
// error, "Error" if unrecognized. Used to populate LineageRecord.ErrorKind
// and error response bodies without
// leaking wrapped internal detail.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrAuth):
		return "AuthError"
	case errors.Is(err, ErrUnknownTool):
		return "UnknownTool"
	case errors.Is(err, ErrInvalidArguments):
		return "InvalidArguments"
	case errors.Is(err, ErrTransport):
		return "TransportError"
	case errors.Is(err, ErrTool):
		return "ToolError"
	case errors.Is(err, ErrReasoning):
		return "ReasoningError"
	case errors.Is(err, ErrTruncated):
		return "Truncated"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	default:
		return "Error"
	}
}
