package saslplain

import (
	gosasl "github.com/emersion/go-sasl"

	"github.com/mumuhhh/gosasl/sasl"
	"github.com/mumuhhh/gosasl/sasl/internal/bridge"
)

var Mechanism = sasl.Mechanism{
	Name:      gosasl.Plain,
	Priority:  30,
	NewClient: func() (sasl.Codec, error) { return NewPlainClient(), nil },
	NewServer: func() (sasl.Codec, error) { return NewPlainServer(), nil },
}

func init() {
	sasl.Register(Mechanism)
}

type PlainClient struct {
	completed bool
}

func NewPlainClient() *PlainClient {
	return &PlainClient{}
}

// Step sends authzid NUL authcid NUL passwd as the initial response.
func (p *PlainClient) Step(a sasl.Accessor, _ []byte) ([]byte, bool, error) {
	if p.completed {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}

	authzID, err := sasl.Lookup(a, sasl.AuthzID)
	if err != nil {
		return nil, false, err
	}
	authID, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
	if err != nil {
		return nil, false, err
	}
	password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
	if err != nil {
		return nil, false, err
	}

	_, ir, err := gosasl.NewPlainClient(authzID, authID, password).Start()
	if err != nil {
		return nil, false, bridge.Error(err)
	}

	p.completed = true
	return ir, false, nil
}

func (p *PlainClient) Finish() {}

type PlainServer struct {
	accessor sasl.Accessor
	server   *bridge.Server
}

func NewPlainServer() *PlainServer {
	p := &PlainServer{}
	p.server = &bridge.Server{Server: gosasl.NewPlainServer(p.authenticate)}
	return p
}

// Step asks for the initial response with an empty challenge when none was sent.
func (p *PlainServer) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	p.accessor = a
	return p.server.Step(input)
}

func (p *PlainServer) authenticate(identity, username, password string) error {
	if identity != "" {
		p.accessor.SetProperty(sasl.AuthzID, identity)
	}
	p.accessor.SetProperty(sasl.AuthID, username)
	p.accessor.SetProperty(sasl.Password, password)

	return p.accessor.Validate(sasl.ValidateSimple)
}

func (p *PlainServer) Finish() {
	p.accessor = nil
}

var (
	_ sasl.Codec = (*PlainClient)(nil)
	_ sasl.Codec = (*PlainServer)(nil)
)
