package saslanonymous

import (
	"unicode/utf8"

	gosasl "github.com/emersion/go-sasl"

	"github.com/mumuhhh/gosasl/sasl"
	"github.com/mumuhhh/gosasl/sasl/internal/bridge"
)

// maxTrace is the RFC 4505 limit on the trace, in characters. The trace is never empty.
const maxTrace = 255

var Mechanism = sasl.Mechanism{
	Name:      gosasl.Anonymous,
	Priority:  0,
	NewClient: func() (sasl.Codec, error) { return &AnonymousClient{}, nil },
	NewServer: func() (sasl.Codec, error) { return NewAnonymousServer(), nil },
}

func init() {
	sasl.Register(Mechanism)
}

type AnonymousClient struct {
	completed bool
}

func (c *AnonymousClient) Step(a sasl.Accessor, _ []byte) ([]byte, bool, error) {
	if c.completed {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}

	token, err := sasl.Require(a, sasl.AnonymousToken, sasl.CodeNoAnonymousToken)
	if err != nil {
		return nil, false, err
	}

	_, ir, err := gosasl.NewAnonymousClient(token).Start()
	if err != nil {
		return nil, false, bridge.Error(err)
	}

	c.completed = true
	return ir, false, nil
}

func (c *AnonymousClient) Finish() {}

type AnonymousServer struct {
	accessor sasl.Accessor
	server   *bridge.Server
}

func NewAnonymousServer() *AnonymousServer {
	s := &AnonymousServer{}
	s.server = &bridge.Server{Server: gosasl.NewAnonymousServer(s.authenticate)}
	return s
}

func (s *AnonymousServer) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	s.accessor = a
	return s.server.Step(input)
}

func (s *AnonymousServer) authenticate(trace string) error {
	if trace == "" || !utf8.ValidString(trace) || utf8.RuneCountInString(trace) > maxTrace {
		return sasl.Failf(sasl.CodeMalformedMessage, "anonymous trace must be 1 to %d UTF-8 characters", maxTrace)
	}

	s.accessor.SetProperty(sasl.AnonymousToken, trace)
	return s.accessor.Validate(sasl.ValidateAnonymous)
}

func (s *AnonymousServer) Finish() {
	s.accessor = nil
}

var (
	_ sasl.Codec = (*AnonymousClient)(nil)
	_ sasl.Codec = (*AnonymousServer)(nil)
)
