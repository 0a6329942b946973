package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the pipeline.
var (
	// ErrMethodNotAllowed is returned when the method policy rejects a method.
	ErrMethodNotAllowed = errors.New("method not allowed by policy")
)

// ErrorClass represents a classification of dispatch failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection and transport errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents connect or response timeouts.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassTLS represents handshake and certificate errors.
	ErrorClassTLS ErrorClass = "tls"

	// ErrorClassInvalidTarget represents a resolved URL that cannot be requested.
	ErrorClassInvalidTarget ErrorClass = "invalid_target"
)

// DispatchError is returned when the backend call could not be completed.
// Backend responses with error statuses are not DispatchErrors.
type DispatchError struct {
	Target string
	Class  ErrorClass
	Err    error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s error (target %s): %v", e.Class, e.Target, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// classifyError categorizes a transport error.
func classifyError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return ErrorClassTLS
	}

	return ErrorClassNetwork
}
