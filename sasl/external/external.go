package saslexternal

import (
	"strings"

	gosasl "github.com/emersion/go-sasl"

	"github.com/mumuhhh/gosasl/sasl"
	"github.com/mumuhhh/gosasl/sasl/internal/bridge"
)

var Mechanism = sasl.Mechanism{
	Name:      gosasl.External,
	Priority:  10,
	NewClient: func() (sasl.Codec, error) { return &ExternalClient{}, nil },
	NewServer: func() (sasl.Codec, error) { return NewExternalServer(), nil },
}

func init() {
	sasl.Register(Mechanism)
}

// ExternalClient relies on credentials established outside SASL, such as a TLS client certificate.
type ExternalClient struct {
	completed bool
}

func (e *ExternalClient) Step(a sasl.Accessor, _ []byte) ([]byte, bool, error) {
	if e.completed {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}

	authzID, err := sasl.Lookup(a, sasl.AuthzID)
	if err != nil {
		return nil, false, err
	}

	_, ir, err := gosasl.NewExternalClient(authzID).Start()
	if err != nil {
		return nil, false, bridge.Error(err)
	}
	if ir == nil {
		ir = []byte{}
	}

	e.completed = true
	return ir, false, nil
}

func (e *ExternalClient) Finish() {}

type ExternalServer struct {
	accessor sasl.Accessor
	server   *bridge.Server
}

func NewExternalServer() *ExternalServer {
	e := &ExternalServer{}
	e.server = &bridge.Server{Server: gosasl.NewExternalServer(e.authenticate), EmptyResponse: true}
	return e
}

func (e *ExternalServer) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	e.accessor = a
	return e.server.Step(input)
}

func (e *ExternalServer) authenticate(identity string) error {
	if strings.ContainsRune(identity, 0) {
		return sasl.Failf(sasl.CodeMalformedMessage, "authorization identity contains NUL")
	}
	if identity != "" {
		e.accessor.SetProperty(sasl.AuthzID, identity)
	}

	return e.accessor.Validate(sasl.ValidateExternal)
}

func (e *ExternalServer) Finish() {
	e.accessor = nil
}

var (
	_ sasl.Codec = (*ExternalClient)(nil)
	_ sasl.Codec = (*ExternalServer)(nil)
)
