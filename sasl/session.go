package sasl

import (
	"encoding/base64"
	"sync"
	"sync/atomic"
)

// Role is the side of the exchange a session plays.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the completion state of a session.
type State uint8

const (
	StateInProgress State = iota
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in progress"

	case StateComplete:
		return "complete"

	case StateFailed:
		return "failed"
	}

	return "unknown state"
}

// Session is one authentication attempt driven through a mechanism.
//
// Steps on a session must be serialized by the caller. Distinct sessions are independent.
type Session struct {
	id    uint64
	ctx   *Context
	role  Role
	mech  Mechanism
	codec Codec
	props propertyStore

	state     State
	err       error
	steps     int
	validated bool

	busy     atomic.Bool
	released atomic.Bool
	finish   sync.Once
}

// ID is the identifier of the session in its Context.
func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

// Mechanism returns the name of the negotiated mechanism.
func (s *Session) Mechanism() string {
	return s.mech.Name
}

func (s *Session) State() State {
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Step feeds the peer's message to the mechanism and returns the reply.
//
// more is true while the mechanism expects another message. Once the session is
// complete or failed, Step returns ErrInvalidState.
func (s *Session) Step(input []byte) (output []byte, more bool, err error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}

	if !s.busy.CompareAndSwap(false, true) {
		return nil, false, ErrInvalidState.New("session %d: a step is already in progress", s.id)
	}
	defer s.busy.Store(false)

	output, more, err = s.codec.Step(s, input)
	if err != nil {
		return nil, false, s.fail(err)
	}

	s.steps++
	if more {
		s.ctx.logger.Debugf("session %d (%s %s): step %d needs more", s.id, s.role, s.mech.Name, s.steps)
		return output, true, nil
	}

	s.complete()
	return output, false, nil
}

// Step64 is Step over standard base64.
//
// An empty input is an empty message, except on the first step of a client
// session where no server message exists yet and it means no data.
func (s *Session) Step64(input string) (string, bool, error) {
	in := []byte{}
	switch {
	case input == "" && s.role == RoleClient && s.steps == 0:
		in = nil

	case input != "":
		decoded, err := base64.StdEncoding.DecodeString(input)
		if err != nil {
			if rerr := s.ready(); rerr != nil {
				return "", false, rerr
			}
			return "", false, s.fail(Failf(CodeBase64, "%v", err))
		}
		in = decoded
	}

	out, more, err := s.Step(in)
	if err != nil {
		return "", false, err
	}

	return base64.StdEncoding.EncodeToString(out), more, nil
}

// Encode protects outgoing data with the negotiated security layer.
func (s *Session) Encode(outgoing []byte) ([]byte, error) {
	layer, err := s.securityLayer()
	if err != nil || layer == nil {
		return outgoing, err
	}

	out, err := layer.Encode(outgoing)
	if err != nil {
		return nil, s.layerError(err)
	}
	return out, nil
}

// Decode verifies and unwraps incoming data with the negotiated security layer.
func (s *Session) Decode(incoming []byte) ([]byte, error) {
	layer, err := s.securityLayer()
	if err != nil || layer == nil {
		return incoming, err
	}

	out, err := layer.Decode(incoming)
	if err != nil {
		return nil, s.layerError(err)
	}
	return out, nil
}

// Property returns p from the cache, asking the application on a miss.
func (s *Session) Property(p Property) (string, error) {
	if !p.Valid() {
		return "", ErrInvalidState.New("unknown property %d", p)
	}

	if v, ok := s.props.get(p); ok {
		return v, nil
	}

	return s.Callback(p)
}

// Callback asks the application for p and caches the answer.
func (s *Session) Callback(p Property) (string, error) {
	if !p.Valid() {
		return "", ErrInvalidState.New("unknown property %d", p)
	}

	v, ok, err := s.ctx.callbacks.resolve(s, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoCallback.New("no callback supplied property %s", p).WithProperty(propertyCode, CodeNoCallback)
	}

	s.props.put(p, v)
	return v, nil
}

// PropertyFast returns the cached value of p without calling back.
func (s *Session) PropertyFast(p Property) (string, bool) {
	return s.props.get(p)
}

// SetProperty overwrites the cached value of p.
func (s *Session) SetProperty(p Property, value string) {
	if p.Valid() {
		s.props.put(p, value)
	}
}

// Get returns a cached property by its external name. "mechanism" is always available.
func (s *Session) Get(name string) (string, bool) {
	if name == MechanismProperty {
		return s.mech.Name, true
	}

	p, ok := ParseProperty(name)
	if !ok {
		return "", false
	}
	return s.props.get(p)
}

// Set stores a property by its external name.
func (s *Session) Set(name, value string) error {
	if name == MechanismProperty {
		return ErrInvalidState.New("property %q is read-only", name)
	}

	p, ok := ParseProperty(name)
	if !ok {
		return ErrInvalidState.New("unknown property %q", name)
	}

	s.props.put(p, value)
	return nil
}

// KnownProperties lists "mechanism" followed by every property holding a non-empty value.
func (s *Session) KnownProperties() []string {
	known := s.props.known()

	names := make([]string, 0, len(known)+1)
	names = append(names, MechanismProperty)
	for _, p := range known {
		names = append(names, p.String())
	}
	return names
}

// Validate asks the application to approve the attempt.
func (s *Session) Validate(v Validator) error {
	if !v.Valid() {
		return ErrInvalidState.New("unknown validator %d", v)
	}
	if s.role != RoleServer {
		return ErrInvalidState.New("session %d: %s requested by a client session", s.id, v)
	}
	if s.validated {
		return ErrInvalidState.New("session %d: validation already requested", s.id)
	}
	s.validated = true

	registered, approved, err := s.ctx.callbacks.validate(s, v)
	if err != nil {
		return err
	}
	if !registered {
		return ErrValidationFailed.New("no %s handler registered", v).WithProperty(propertyCode, CodeAuthenticationError)
	}
	if !approved {
		return ErrValidationFailed.New("%s rejected the attempt", v).WithProperty(propertyCode, CodeAuthenticationError)
	}

	return nil
}

// Release returns the mechanism resources. It is safe to call more than once.
func (s *Session) Release() {
	s.ctx.forget(s)
	s.release()
}

func (s *Session) release() {
	s.finish.Do(func() {
		s.released.Store(true)
		s.codec.Finish()
	})
}

func (s *Session) ready() error {
	if s.released.Load() {
		if s.ctx.isShutdown() {
			return ErrInvalidState.New("session %d: context was shut down", s.id)
		}
		return ErrInvalidState.New("session %d: session was released", s.id)
	}

	switch s.state {
	case StateComplete:
		return ErrInvalidState.New("session %d: authentication already complete", s.id)

	case StateFailed:
		return ErrInvalidState.New("session %d: authentication failed earlier", s.id)
	}

	return nil
}

func (s *Session) fail(err error) error {
	err = asMechanismError(err)

	s.state = StateFailed
	s.err = err

	s.ctx.logger.Warnf("session %d (%s %s) failed: %v", s.id, s.role, s.mech.Name, err)
	return err
}

func (s *Session) complete() {
	s.state = StateComplete
	if _, ok := s.props.get(QOP); !ok {
		s.props.put(QOP, QopAuthentication)
	}

	s.ctx.logger.Infof("session %d (%s %s) complete after %d steps", s.id, s.role, s.mech.Name, s.steps)
}

func (s *Session) securityLayer() (SecurityLayer, error) {
	if s.released.Load() || s.state != StateComplete {
		return nil, ErrInvalidState.New("session %d: no security layer before completion", s.id)
	}

	layer, _ := s.codec.(SecurityLayer)
	return layer, nil
}

func (s *Session) layerError(err error) error {
	if CodeOf(err) != CodeMechanismError {
		return err
	}
	return ErrMechanism.Wrap(err, CodeIntegrityError.String()).WithProperty(propertyCode, CodeIntegrityError)
}

var _ Accessor = (*Session)(nil)
