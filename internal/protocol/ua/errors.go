package ua

import (
	"errors"
	"fmt"
)

// Error kinds. Every StatusError carries exactly one of these so callers can
// branch with errors.Is without knowing the concrete status code.
var (
	ErrDecoding      = errors.New("ua: decoding error")
	ErrEncoding      = errors.New("ua: encoding error")
	ErrLimitExceeded = errors.New("ua: limit exceeded")
	ErrProtocol      = errors.New("ua: protocol violation")
	ErrTokenInvalid  = errors.New("ua: security token invalid")
	ErrTimeout       = errors.New("ua: timeout")
	ErrChannelClosed = errors.New("ua: secure channel closed")
	ErrServiceFault  = errors.New("ua: service fault")
	ErrCommunication = errors.New("ua: communication error")
)

// StatusError is an error carrying an OPC UA status code.
type StatusError struct {
	Code   StatusCode
	Kind   error
	Reason string
	Cause  error
}

func (e *StatusError) Error() string {
	msg := e.Code.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// NewStatusError builds a StatusError of kind with a formatted reason.
func NewStatusError(kind error, code StatusCode, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapStatusError builds a StatusError of kind caused by cause.
func WrapStatusError(kind error, code StatusCode, cause error, reason string) *StatusError {
	return &StatusError{Code: code, Kind: kind, Reason: reason, Cause: cause}
}

func DecodingError(format string, args ...any) error {
	return NewStatusError(ErrDecoding, StatusBadDecodingError, format, args...)
}

func EncodingError(format string, args ...any) error {
	return NewStatusError(ErrEncoding, StatusBadEncodingError, format, args...)
}

// DecodeLimitError reports a declared length over a configured ceiling. It
// matches both ErrLimitExceeded and ErrDecoding.
func DecodeLimitError(format string, args ...any) error {
	e := NewStatusError(ErrLimitExceeded, StatusBadEncodingLimitsExceeded, format, args...)
	e.Cause = ErrDecoding
	return e
}

// EncodeLimitError reports a value too large to encode under the configured
// ceilings. It matches both ErrLimitExceeded and ErrEncoding.
func EncodeLimitError(format string, args ...any) error {
	e := NewStatusError(ErrLimitExceeded, StatusBadEncodingLimitsExceeded, format, args...)
	e.Cause = ErrEncoding
	return e
}

func ProtocolError(code StatusCode, format string, args ...any) error {
	return NewStatusError(ErrProtocol, code, format, args...)
}

// StatusOf extracts the status code carried by err. Errors without one map to
// BadUnexpectedError; nil maps to Good.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusGood
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return StatusBadTimeout
	case errors.Is(err, ErrChannelClosed):
		return StatusBadSecureChannelClosed
	}
	return StatusBadUnexpectedError
}
