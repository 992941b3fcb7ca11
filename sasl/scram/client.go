package saslscram

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/mumuhhh/gosasl/sasl"
)

type clientState int

const (
	clientFirst clientState = iota
	clientFinal
	clientVerify
	clientDone
)

type Client struct {
	hash Hash
	plus bool

	newNonce func() (string, error)

	state       clientState
	header      gs2Header
	cbData      []byte
	cnonce      string
	firstBare   string
	serverKey   []byte
	authMessage string
}

func NewClient(h Hash, plus bool) *Client {
	return &Client{hash: h, plus: plus, newNonce: newNonce}
}

func (c *Client) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	switch c.state {
	case clientFirst:
		out, err := c.first(a)
		if err != nil {
			return nil, false, err
		}
		c.state = clientFinal
		return out, true, nil

	case clientFinal:
		out, err := c.final(a, string(input))
		if err != nil {
			return nil, false, err
		}
		c.state = clientVerify
		return out, true, nil

	case clientVerify:
		if err := c.verify(string(input)); err != nil {
			return nil, false, err
		}
		c.state = clientDone
		return []byte{}, false, nil
	}

	return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
}

// first builds client-first-message.
func (c *Client) first(a sasl.Accessor) ([]byte, error) {
	authID, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
	if err != nil {
		return nil, err
	}
	authzID, err := sasl.Lookup(a, sasl.AuthzID)
	if err != nil {
		return nil, err
	}

	c.header = gs2Header{flag: "n", authzID: authzID}
	if c.plus {
		cb, err := sasl.Require(a, sasl.CBTLSUnique, sasl.CodeNoCBTLSUnique)
		if err != nil {
			return nil, err
		}
		if c.cbData, err = tlsUnique(cb); err != nil {
			return nil, err
		}
		c.header.flag = "p=" + channelBindingType
	} else {
		// able to bind, but the server did not offer a -PLUS variant
		cb, err := sasl.Lookup(a, sasl.CBTLSUnique)
		if err != nil {
			return nil, err
		}
		if cb != "" {
			c.header.flag = "y"
		}
	}

	user, err := saslPrep(authID)
	if err != nil {
		return nil, err
	}
	if c.cnonce, err = c.newNonce(); err != nil {
		return nil, err
	}

	c.firstBare = "n=" + escapeName(user) + ",r=" + c.cnonce
	return []byte(c.header.String() + c.firstBare), nil
}

// final checks server-first-message and builds client-final-message.
func (c *Client) final(a sasl.Accessor, serverFirst string) ([]byte, error) {
	attrs, err := parseAttributes(serverFirst)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	if len(attrs) > 0 && attrs[0].key == 'm' {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "unsupported mandatory extension")
	}
	values, err := expect(attrs, "rsi")
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}

	nonce, saltValue, iterValue := values[0], values[1], values[2]
	if !strings.HasPrefix(nonce, c.cnonce) || len(nonce) == len(c.cnonce) {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "server nonce does not extend the client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(saltValue)
	if err != nil || len(salt) == 0 {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "bad salt %q", saltValue)
	}
	iter, err := strconv.Atoi(iterValue)
	if err != nil || iter <= 0 {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "bad iteration count %q", iterValue)
	}

	a.SetProperty(sasl.ScramIter, iterValue)
	a.SetProperty(sasl.ScramSalt, saltValue)

	salted, err := c.saltedPassword(a, salt, iter)
	if err != nil {
		return nil, err
	}
	a.SetProperty(sasl.ScramSaltedPassword, hex.EncodeToString(salted))

	withoutProof := "c=" + channelBinding(c.header, c.cbData) + ",r=" + nonce
	c.authMessage = c.firstBare + "," + serverFirst + "," + withoutProof

	clientKey, storedKey, serverKey := c.hash.keys(salted)
	proof := xor(clientKey, c.hash.hmac(storedKey, c.authMessage))
	c.serverKey = serverKey

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

// saltedPassword uses a cached scramSaltedPassword when the application has one.
func (c *Client) saltedPassword(a sasl.Accessor, salt []byte, iter int) ([]byte, error) {
	cached, err := sasl.Lookup(a, sasl.ScramSaltedPassword)
	if err != nil {
		return nil, err
	}
	if cached != "" {
		salted, err := hex.DecodeString(cached)
		if err != nil || len(salted) != c.hash.new().Size() {
			return nil, sasl.Failf(sasl.CodeMechanismError, "scramSaltedPassword must be %d hex digits", 2*c.hash.new().Size())
		}
		return salted, nil
	}

	password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
	if err != nil {
		return nil, err
	}
	return c.hash.saltedPassword(password, salt, iter)
}

// verify checks the server signature of server-final-message.
func (c *Client) verify(serverFinal string) error {
	attrs, err := parseAttributes(serverFinal)
	if err != nil {
		return sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}

	switch attrs[0].key {
	case 'e':
		return sasl.Failf(sasl.CodeAuthenticationError, "server reported %s", attrs[0].value)

	case 'v':
		signature, err := base64.StdEncoding.DecodeString(attrs[0].value)
		if err != nil {
			return sasl.Failf(sasl.CodeMalformedMessage, "bad server signature")
		}
		if !hmac.Equal(signature, c.hash.hmac(c.serverKey, c.authMessage)) {
			return sasl.Failf(sasl.CodeAuthenticationError, "server signature mismatch")
		}
		return nil
	}

	return sasl.Failf(sasl.CodeMalformedMessage, "unexpected server-final-message")
}

func (c *Client) Finish() {
	c.serverKey = nil
	c.cbData = nil
}

var _ sasl.Codec = (*Client)(nil)
