package sasl

import (
	"fmt"

	"github.com/joomcode/errorx"
)

var (
	ErrSASL = errorx.NewNamespace("sasl")

	ErrInitialization   = ErrSASL.NewType("initialization")    // the Context could not be built
	ErrUnknownMechanism = ErrSASL.NewType("unknown_mechanism") // negotiation found no usable mechanism
	ErrMechanism        = ErrSASL.NewType("mechanism")         // a step failed, terminal for the session
	ErrInvalidState     = ErrSASL.NewType("invalid_state")     // operation not allowed in the current state

	// Both are mechanism errors: errorx.IsOfType(err, ErrMechanism) holds for them.
	ErrNoCallback       = ErrMechanism.NewSubtype("no_callback")
	ErrValidationFailed = ErrMechanism.NewSubtype("validation_failed")

	propertyCode = errorx.RegisterProperty("code")
)

// Code is a stable identifier of the reason a step failed.
type Code int

const (
	CodeOK Code = iota
	CodeUnknownMechanism
	CodeMechanismCalledTooManyTimes
	CodeMalformedMessage
	CodeBase64
	CodeNoCallback
	CodeAuthenticationError
	CodeIntegrityError
	CodeNoAuthID
	CodeNoPassword
	CodeNoService
	CodeNoHostname
	CodeNoPasscode
	CodeNoPIN
	CodeNoAnonymousToken
	CodeNoCBTLSUnique
	CodeChannelBindingMismatch
	CodeGSSAPIError
	CodeUnsupportedLayer
	CodeMechanismError
)

var codeReasons = [...]string{
	CodeOK:                          "success",
	CodeUnknownMechanism:            "cannot find the requested mechanism",
	CodeMechanismCalledTooManyTimes: "mechanism step called too many times",
	CodeMalformedMessage:            "the peer sent a malformed message",
	CodeBase64:                      "base64 encoding or decoding error",
	CodeNoCallback:                  "no callback answered the property request",
	CodeAuthenticationError:         "authentication failed",
	CodeIntegrityError:              "integrity check of the security layer failed",
	CodeNoAuthID:                    "authentication identity is required but not available",
	CodeNoPassword:                  "password is required but not available",
	CodeNoService:                   "service name is required but not available",
	CodeNoHostname:                  "hostname is required but not available",
	CodeNoPasscode:                  "passcode is required but not available",
	CodeNoPIN:                       "PIN is required but not available",
	CodeNoAnonymousToken:            "anonymous token is required but not available",
	CodeNoCBTLSUnique:               "tls-unique channel binding data is required but not available",
	CodeChannelBindingMismatch:      "channel binding data does not match",
	CodeGSSAPIError:                 "GSSAPI library error",
	CodeUnsupportedLayer:            "no security layer was negotiated",
	CodeMechanismError:              "mechanism error",
}

// String returns the human-readable reason for c.
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeReasons) {
		return fmt.Sprintf("unknown error code %d", int(c))
	}
	return codeReasons[c]
}

// Fail returns a mechanism error whose message is the reason of code.
func Fail(code Code) error {
	return ErrMechanism.New(code.String()).WithProperty(propertyCode, code)
}

// Failf is Fail with details appended to the reason.
func Failf(code Code, format string, args ...interface{}) error {
	return ErrMechanism.New("%s: %s", code.String(), fmt.Sprintf(format, args...)).WithProperty(propertyCode, code)
}

// CodeOf extracts the failure code carried by err.
//
// CodeOK is returned for nil, CodeMechanismError for errors without a code
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}

	if v, ok := errorx.ExtractProperty(err, propertyCode); ok {
		if code, ok := v.(Code); ok {
			return code
		}
	}

	return CodeMechanismError
}

// asMechanismError makes sure a codec failure is surfaced as ErrMechanism (or a subtype).
func asMechanismError(err error) error {
	if errorx.IsOfType(err, ErrMechanism) || errorx.IsOfType(err, ErrInvalidState) {
		return err
	}

	return ErrMechanism.Wrap(err, CodeMechanismError.String()).WithProperty(propertyCode, CodeMechanismError)
}
