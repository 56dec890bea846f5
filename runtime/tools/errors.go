package tools

import "fmt"

// UnknownToolError reports a call to a tool that was never registered.
type UnknownToolError struct {
	// ID is the unrecognized tool identifier.
	ID Ident
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.ID)
}

// ErrorKind returns the taxonomy kind for error events.
func (e *UnknownToolError) ErrorKind() string { return "unknown_tool" }

// TrustDeniedError reports a call rejected by the trust policy: the session's
// granted level does not cover the tool's requirement.
type TrustDeniedError struct {
	// ID is the denied tool.
	ID Ident
	// Required is the tool's minimum trust level.
	Required TrustLevel
	// Granted is the session's trust level.
	Granted TrustLevel
}

// Error implements the error interface.
func (e *TrustDeniedError) Error() string {
	return fmt.Sprintf("tools: %q requires trust %s, session has %s", e.ID, e.Required, e.Granted)
}

// ErrorKind returns the taxonomy kind for error events.
func (e *TrustDeniedError) ErrorKind() string { return "trust_denied" }

// PayloadError reports a call whose payload failed JSON Schema validation.
type PayloadError struct {
	// ID is the tool whose schema rejected the payload.
	ID Ident
	// Cause is the underlying validation error.
	Cause error
}

// Error implements the error interface.
func (e *PayloadError) Error() string {
	return fmt.Sprintf("tools: invalid payload for %q: %v", e.ID, e.Cause)
}

// Unwrap returns the underlying validation error.
func (e *PayloadError) Unwrap() error { return e.Cause }

// ErrorKind returns the taxonomy kind for error events.
func (e *PayloadError) ErrorKind() string { return "invalid_payload" }
