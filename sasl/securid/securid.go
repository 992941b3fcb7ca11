// Package saslsecurid implements the SECURID mechanism of RFC 2808.
//
// The server asks for a new PIN when the application answers the suggestedPin
// property for the user; the validator then decides on the final message.
package saslsecurid

import (
	"bytes"

	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
)

const (
	Name = "SECURID"

	challengePasscode = "passcode"
	challengePIN      = "pin"
)

var Mechanism = sasl.Mechanism{
	Name:      Name,
	Priority:  40,
	NewClient: func() (sasl.Codec, error) { return &SecurIDClient{}, nil },
	NewServer: func() (sasl.Codec, error) { return &SecurIDServer{}, nil },
}

func init() {
	sasl.Register(Mechanism)
}

// message encodes authzid NUL authcid NUL passcode NUL [new-pin NUL].
func message(authzID, authID, passcode, pin string) []byte {
	var b bytes.Buffer
	for _, field := range []string{authzID, authID, passcode} {
		b.WriteString(field)
		b.WriteByte(0)
	}
	if pin != "" {
		b.WriteString(pin)
		b.WriteByte(0)
	}
	return b.Bytes()
}

type SecurIDClient struct {
	sent bool
	done bool
}

func (c *SecurIDClient) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	switch {
	case c.done:
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)

	case !c.sent:
		passcode, err := sasl.Require(a, sasl.Passcode, sasl.CodeNoPasscode)
		if err != nil {
			return nil, false, err
		}
		c.sent = true
		return c.respond(a, passcode, "")

	case len(input) == 0:
		// the server accepted the last message
		c.done = true
		return []byte{}, false, nil

	case string(input) == challengePasscode:
		passcode, err := a.Callback(sasl.Passcode)
		if err != nil {
			return nil, false, requireErr(err, sasl.CodeNoPasscode)
		}
		return c.respond(a, passcode, "")

	case bytes.HasPrefix(input, []byte(challengePIN)):
		if suggested := bytes.Trim(input[len(challengePIN):], "\x00"); len(suggested) > 0 {
			a.SetProperty(sasl.SuggestedPIN, string(suggested))
		}
		pin, err := a.Callback(sasl.PIN)
		if err != nil {
			return nil, false, requireErr(err, sasl.CodeNoPIN)
		}
		passcode, err := sasl.Require(a, sasl.Passcode, sasl.CodeNoPasscode)
		if err != nil {
			return nil, false, err
		}
		return c.respond(a, passcode, pin)
	}

	return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "unexpected SECURID challenge %q", input)
}

func (c *SecurIDClient) respond(a sasl.Accessor, passcode, pin string) ([]byte, bool, error) {
	authID, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
	if err != nil {
		return nil, false, err
	}
	authzID, err := sasl.Lookup(a, sasl.AuthzID)
	if err != nil {
		return nil, false, err
	}

	return message(authzID, authID, passcode, pin), true, nil
}

func (c *SecurIDClient) Finish() {}

func requireErr(err error, code sasl.Code) error {
	if errorx.IsOfType(err, sasl.ErrNoCallback) {
		return sasl.Fail(code)
	}
	return err
}

type SecurIDServer struct {
	pinRequested bool
	done         bool
}

func (s *SecurIDServer) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	if s.done {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}
	if len(input) == 0 {
		return []byte{}, true, nil
	}

	if input[len(input)-1] != 0 {
		return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "SECURID message must end with NUL")
	}
	fields := bytes.Split(input[:len(input)-1], []byte{0})
	if len(fields) != 3 && len(fields) != 4 {
		return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "SECURID message has %d fields", len(fields))
	}
	if len(fields[1]) == 0 || len(fields[2]) == 0 {
		return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "empty authentication identity or passcode")
	}

	if len(fields[0]) > 0 {
		a.SetProperty(sasl.AuthzID, string(fields[0]))
	}
	a.SetProperty(sasl.AuthID, string(fields[1]))
	a.SetProperty(sasl.Passcode, string(fields[2]))

	if len(fields) == 4 {
		a.SetProperty(sasl.PIN, string(fields[3]))
	} else if !s.pinRequested {
		suggested, err := a.Property(sasl.SuggestedPIN)
		switch {
		case err == nil:
			s.pinRequested = true
			challenge := []byte(challengePIN)
			if suggested != "" {
				challenge = append(append(append(challenge, 0), suggested...), 0)
			}
			return challenge, true, nil

		case !errorx.IsOfType(err, sasl.ErrNoCallback):
			return nil, false, err
		}
	}

	s.done = true
	if err := a.Validate(sasl.ValidateSecurID); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (s *SecurIDServer) Finish() {}

var (
	_ sasl.Codec = (*SecurIDClient)(nil)
	_ sasl.Codec = (*SecurIDServer)(nil)
)
