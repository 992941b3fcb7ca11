package sasllogin

import (
	gosasl "github.com/emersion/go-sasl"

	"github.com/mumuhhh/gosasl/sasl"
	"github.com/mumuhhh/gosasl/sasl/internal/bridge"
)

var Mechanism = sasl.Mechanism{
	Name:      gosasl.Login,
	Priority:  20,
	NewClient: func() (sasl.Codec, error) { return NewLoginClient(), nil },
	NewServer: func() (sasl.Codec, error) { return NewLoginServer(), nil },
}

func init() {
	sasl.Register(Mechanism)
}

type LoginClient struct {
	client gosasl.Client
	done   bool
}

func NewLoginClient() *LoginClient {
	return &LoginClient{}
}

// Step sends the user name first, then the password in answer to the next prompt.
func (l *LoginClient) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	if l.done {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}

	if l.client == nil {
		authID, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
		if err != nil {
			return nil, false, err
		}
		password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
		if err != nil {
			return nil, false, err
		}

		l.client = gosasl.NewLoginClient(authID, password)
		_, ir, err := l.client.Start()
		if err != nil {
			return nil, false, bridge.Error(err)
		}
		return ir, true, nil
	}

	response, err := l.client.Next(input)
	if err != nil {
		return nil, false, bridge.Error(err)
	}

	l.done = true
	return response, false, nil
}

func (l *LoginClient) Finish() {
	l.client = nil
}

type LoginServer struct {
	accessor sasl.Accessor
	server   *bridge.Server
}

func NewLoginServer() *LoginServer {
	l := &LoginServer{}
	l.server = &bridge.Server{Server: &loginServer{authenticate: l.authenticate}}
	return l
}

// Step prompts for the user name unless it came as the initial response.
func (l *LoginServer) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	l.accessor = a
	return l.server.Step(input)
}

func (l *LoginServer) authenticate(username, password string) error {
	l.accessor.SetProperty(sasl.AuthID, username)
	l.accessor.SetProperty(sasl.Password, password)

	return l.accessor.Validate(sasl.ValidateSimple)
}

func (l *LoginServer) Finish() {
	l.accessor = nil
}

const (
	usernamePrompt = "Username:"
	passwordPrompt = "Password:"
)

const (
	loginUsername = iota
	loginPassword
	loginDone
)

// loginServer implements gosasl.Server for LOGIN, which go-sasl only offers as a client.
type loginServer struct {
	username     string
	step         int
	authenticate func(username, password string) error
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case loginUsername:
		if response == nil {
			return []byte(usernamePrompt), false, nil
		}
		s.username = string(response)
		s.step = loginPassword
		return []byte(passwordPrompt), false, nil

	case loginPassword:
		s.step = loginDone
		return nil, true, s.authenticate(s.username, string(response))
	}

	return nil, false, gosasl.ErrUnexpectedClientResponse
}

var (
	_ gosasl.Server = (*loginServer)(nil)

	_ sasl.Codec = (*LoginClient)(nil)
	_ sasl.Codec = (*LoginServer)(nil)
)
