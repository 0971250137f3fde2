// Package mdm holds the error taxonomy shared by the enrollment,
// registry, orchestration and gateway layers.
package mdm

import (
	"errors"
	"fmt"
)

// Trust-boundary and lookup failures. All of these fail closed: a caller
// that sees one must terminate the session or reject the request outright.
var (
	// ErrUntrustedRequest indicates an enrollment request whose challenge
	// does not match any outstanding enrollment session.
	ErrUntrustedRequest = errors.New("untrusted enrollment request")

	// ErrExpiredSession indicates the enrollment session window elapsed.
	ErrExpiredSession = errors.New("enrollment session expired")

	// ErrUntrustedClient indicates a certificate not traceable to the
	// store's root, or one belonging to a revoked device.
	ErrUntrustedClient = errors.New("untrusted client certificate")

	// ErrUnknownDevice indicates a check-in from an identity that never
	// completed enrollment. No device record is created for these.
	ErrUnknownDevice = errors.New("unknown device")
)

// ValidationError rejects a malformed intent or payload before any state
// change, naming the offending entry.
type ValidationError struct {
	Field string
	Entry string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("validation failed on %s: %q: %s", e.Field, e.Entry, e.Msg)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Msg)
}

// DeliveryError is a transient network or push failure. It is retried with
// capped backoff before being surfaced.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ProtocolRejectionError is a device-reported failure. It is fatal to the
// command and never retried automatically; the operator must resubmit.
type ProtocolRejectionError struct {
	CommandSeq int64
	Detail     string
}

func (e *ProtocolRejectionError) Error() string {
	return fmt.Sprintf("device rejected command %d: %s", e.CommandSeq, e.Detail)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
