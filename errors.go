package humanproof

import (
	"errors"
	"fmt"
)

// Code identifies one failure class in the engine's public error
// taxonomy. Codes are stable; callers branch on them, not on message
// text.
type Code string

const (
	CodeInvalidKeyMaterial   Code = "invalid_key_material"
	CodeEncryptionRequired   Code = "encryption_required"
	CodeDecryptionFailed     Code = "decryption_failed"
	CodeMalformedPayload     Code = "malformed_payload"
	CodeChallengeExpired     Code = "challenge_expired"
	CodeChallengeAlreadyUsed Code = "challenge_already_used"
	CodeTokenExpired         Code = "token_expired"
	CodeTokenAlreadyUsed     Code = "token_already_used"
	CodeDomainMismatch       Code = "domain_mismatch"
	CodeSessionMismatch      Code = "session_mismatch"
	CodeRiskRefused          Code = "risk_refused"
	CodeTypeDisabled         Code = "type_disabled"
	CodeUnauthorized         Code = "unauthorized"
	CodeServiceError         Code = "service_error"
)

// EngineError is the structured, coded failure the engine surfaces.
// Message is a short human string; internal detail (key material,
// plaintext, stack traces) never appears here.
type EngineError struct {
	Code    Code
	Message string
	wrapped error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is checks.
func (e *EngineError) Unwrap() error {
	return e.wrapped
}

func newError(code Code, message string, cause error) *EngineError {
	return &EngineError{Code: code, Message: message, wrapped: cause}
}

// CodeOf extracts the taxonomy code from an error, or CodeServiceError
// for anything uncoded.
func CodeOf(err error) Code {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeServiceError
}
