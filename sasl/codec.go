package sasl

import (
	"github.com/joomcode/errorx"
)

// Accessor is the view of a session a mechanism codec works against.
type Accessor interface {
	// Property returns the cached value of p, asking the application on a cache miss.
	// A decline is reported as ErrNoCallback.
	Property(p Property) (string, error)

	// Callback asks the application for p even if a value is cached.
	Callback(p Property) (string, error)

	// PropertyFast returns the cached value of p without calling back.
	PropertyFast(p Property) (string, bool)

	SetProperty(p Property, value string)

	// Validate asks the application to approve the attempt. Server role only, once per session.
	Validate(v Validator) error
}

// Codec performs the steps of one mechanism for one session.
//
// A Codec is used by a single session and is never called concurrently.
type Codec interface {
	// Step consumes the peer's last message and produces the next one.
	// more == false means the exchange is complete on this side.
	Step(a Accessor, input []byte) (output []byte, more bool, err error)

	// Finish releases the resources held by the codec. It is called exactly once.
	Finish()
}

// SecurityLayer is implemented by codecs that can protect data after authentication.
type SecurityLayer interface {
	Encode(outgoing []byte) ([]byte, error)
	Decode(incoming []byte) ([]byte, error)
}

// Mechanism describes a mechanism available to a Context.
//
// Either constructor may be nil when the mechanism supports only one role.
type Mechanism struct {
	Name     string
	Priority int // higher is preferred by servers

	NewClient func() (Codec, error)
	NewServer func() (Codec, error)
}

func (m Mechanism) supports(role Role) bool {
	if role == RoleClient {
		return m.NewClient != nil
	}
	return m.NewServer != nil
}

func (m Mechanism) newCodec(role Role) (Codec, error) {
	if role == RoleClient {
		return m.NewClient()
	}
	return m.NewServer()
}

// Lookup fetches an optional property: a declined request yields "" and no error.
func Lookup(a Accessor, p Property) (string, error) {
	v, err := a.Property(p)
	if err != nil {
		if errorx.IsOfType(err, ErrNoCallback) {
			return "", nil
		}
		return "", err
	}

	return v, nil
}

// Require fetches a mandatory property, turning a decline into a failure with code.
func Require(a Accessor, p Property, code Code) (string, error) {
	v, err := a.Property(p)
	if err != nil {
		if errorx.IsOfType(err, ErrNoCallback) {
			return "", ErrNoCallback.Wrap(err, code.String()).WithProperty(propertyCode, code)
		}
		return "", err
	}

	return v, nil
}
