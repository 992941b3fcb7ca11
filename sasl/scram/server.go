package saslscram

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/mumuhhh/gosasl/sasl"
)

type serverState int

const (
	serverFirst serverState = iota
	serverFinal
	serverDone
)

type Server struct {
	hash Hash
	plus bool

	newNonce func() (string, error)

	state       serverState
	header      gs2Header
	cbData      []byte
	nonce       string
	firstBare   string
	firstServer string
	storedKey   []byte
	serverKey   []byte
}

func NewServer(h Hash, plus bool) *Server {
	return &Server{hash: h, plus: plus, newNonce: newNonce}
}

func (s *Server) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	switch s.state {
	case serverFirst:
		if len(input) == 0 {
			// the client sends first; an empty challenge invites it
			return []byte{}, true, nil
		}
		out, err := s.first(a, string(input))
		if err != nil {
			return nil, false, err
		}
		s.state = serverFinal
		return out, true, nil

	case serverFinal:
		out, err := s.final(string(input))
		if err != nil {
			return nil, false, err
		}
		s.state = serverDone
		return out, false, nil
	}

	return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
}

// first checks client-first-message and builds server-first-message.
func (s *Server) first(a sasl.Accessor, clientFirst string) ([]byte, error) {
	header, bare, err := parseClientFirst(clientFirst)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	if err := s.checkBinding(a, header); err != nil {
		return nil, err
	}

	attrs, err := parseAttributes(bare)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	if len(attrs) > 0 && attrs[0].key == 'm' {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "unsupported mandatory extension")
	}
	values, err := expect(attrs, "nr")
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	user, err := unescapeName(values[0])
	if err != nil || user == "" {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "bad user name %q", values[0])
	}
	if values[1] == "" {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "empty client nonce")
	}

	s.header = header
	s.firstBare = bare
	a.SetProperty(sasl.AuthID, user)
	if header.authzID != "" {
		a.SetProperty(sasl.AuthzID, header.authzID)
	}

	iter, salt, err := s.parameters(a)
	if err != nil {
		return nil, err
	}
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || len(saltBytes) == 0 {
		return nil, sasl.Failf(sasl.CodeMechanismError, "scramSalt must be base64")
	}

	salted, err := s.saltedPassword(a, saltBytes, iter)
	if err != nil {
		return nil, err
	}
	_, s.storedKey, s.serverKey = s.hash.keys(salted)

	snonce, err := s.newNonce()
	if err != nil {
		return nil, err
	}
	s.nonce = values[1] + snonce
	s.firstServer = "r=" + s.nonce + ",s=" + salt + ",i=" + strconv.Itoa(iter)

	return []byte(s.firstServer), nil
}

// checkBinding enforces the channel binding rules of RFC 5802 section 6.
func (s *Server) checkBinding(a sasl.Accessor, header gs2Header) error {
	if s.plus {
		if header.flag != "p="+channelBindingType {
			return sasl.Failf(sasl.CodeChannelBindingMismatch, "%s requires channel binding", s.hash.Name(true))
		}
		cb, err := sasl.Require(a, sasl.CBTLSUnique, sasl.CodeNoCBTLSUnique)
		if err != nil {
			return err
		}
		s.cbData, err = tlsUnique(cb)
		return err
	}

	switch header.flag {
	case "n":
		return nil

	case "y":
		cb, err := sasl.Lookup(a, sasl.CBTLSUnique)
		if err != nil {
			return err
		}
		if cb != "" {
			return sasl.Failf(sasl.CodeChannelBindingMismatch, "client could bind but chose %s, possible downgrade", s.hash.Name(false))
		}
		return nil
	}

	return sasl.Failf(sasl.CodeChannelBindingMismatch, "channel binding requested over %s", s.hash.Name(false))
}

// parameters resolves the iteration count and the base64 salt, defaulting both.
func (s *Server) parameters(a sasl.Accessor) (int, string, error) {
	iterValue, err := sasl.Lookup(a, sasl.ScramIter)
	if err != nil {
		return 0, "", err
	}
	iter := defaultIterations
	if iterValue != "" {
		if iter, err = strconv.Atoi(iterValue); err != nil || iter <= 0 {
			return 0, "", sasl.Failf(sasl.CodeMechanismError, "bad scramIter %q", iterValue)
		}
	}

	salt, err := sasl.Lookup(a, sasl.ScramSalt)
	if err != nil {
		return 0, "", err
	}
	if salt == "" {
		if salt, err = randomBase64(saltLen); err != nil {
			return 0, "", err
		}
	}

	a.SetProperty(sasl.ScramIter, strconv.Itoa(iter))
	a.SetProperty(sasl.ScramSalt, salt)
	return iter, salt, nil
}

func (s *Server) saltedPassword(a sasl.Accessor, salt []byte, iter int) ([]byte, error) {
	cached, err := sasl.Lookup(a, sasl.ScramSaltedPassword)
	if err != nil {
		return nil, err
	}
	if cached != "" {
		salted, err := hex.DecodeString(cached)
		if err != nil || len(salted) != s.hash.new().Size() {
			return nil, sasl.Failf(sasl.CodeMechanismError, "scramSaltedPassword must be %d hex digits", 2*s.hash.new().Size())
		}
		return salted, nil
	}

	password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
	if err != nil {
		return nil, err
	}
	salted, err := s.hash.saltedPassword(password, salt, iter)
	if err != nil {
		return nil, err
	}
	a.SetProperty(sasl.ScramSaltedPassword, hex.EncodeToString(salted))
	return salted, nil
}

// final verifies client-final-message and answers with the server signature.
func (s *Server) final(clientFinal string) ([]byte, error) {
	attrs, err := parseAttributes(clientFinal)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	values, err := expect(attrs, "cr")
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	last := attrs[len(attrs)-1]
	if len(attrs) < 3 || last.key != 'p' {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "client-final-message without proof")
	}

	if values[0] != channelBinding(s.header, s.cbData) {
		return nil, sasl.Fail(sasl.CodeChannelBindingMismatch)
	}
	if values[1] != s.nonce {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "nonce mismatch")
	}

	proof, err := base64.StdEncoding.DecodeString(last.value)
	if err != nil || len(proof) != len(s.storedKey) {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "bad client proof")
	}

	withoutProof := clientFinal[:len(clientFinal)-len(",p=")-len(last.value)]
	authMessage := s.firstBare + "," + s.firstServer + "," + withoutProof

	clientKey := xor(proof, s.hash.hmac(s.storedKey, authMessage))
	if !hmac.Equal(s.hash.sum(clientKey), s.storedKey) {
		return nil, sasl.Failf(sasl.CodeAuthenticationError, "invalid proof")
	}

	signature := s.hash.hmac(s.serverKey, authMessage)
	return []byte("v=" + base64.StdEncoding.EncodeToString(signature)), nil
}

func (s *Server) Finish() {
	s.storedKey = nil
	s.serverKey = nil
}

var _ sasl.Codec = (*Server)(nil)
