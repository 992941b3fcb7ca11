// Package bridge runs github.com/emersion/go-sasl wire codecs as session steps.
package bridge

import (
	"errors"

	gosasl "github.com/emersion/go-sasl"
	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
)

// Server runs a go-sasl server as codec steps.
//
// An empty first message is taken as no initial response unless EmptyResponse
// is set, for mechanisms whose initial response may legitimately be empty.
type Server struct {
	gosasl.Server
	EmptyResponse bool

	started bool
}

func (s *Server) Step(input []byte) ([]byte, bool, error) {
	if !s.started && len(input) == 0 && !s.EmptyResponse {
		input = nil
	}
	s.started = true

	return ServerStep(s.Server, input)
}

// ServerStep feeds input to srv and translates the result to the codec convention.
func ServerStep(srv gosasl.Server, input []byte) ([]byte, bool, error) {
	challenge, done, err := srv.Next(input)
	if err != nil {
		return nil, false, Error(err)
	}

	return challenge, !done, nil
}

// Error maps a go-sasl failure to a coded mechanism error. Engine errors pass through.
func Error(err error) error {
	if err == nil {
		return nil
	}

	if errorx.IsOfType(err, sasl.ErrMechanism) || errorx.IsOfType(err, sasl.ErrInvalidState) {
		return err
	}

	if errors.Is(err, gosasl.ErrUnexpectedClientResponse) {
		return sasl.Failf(sasl.CodeMechanismCalledTooManyTimes, "%v", err)
	}

	return sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
}
