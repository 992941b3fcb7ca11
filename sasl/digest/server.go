package sasldigest

import (
	"crypto/hmac"
	"strings"

	"github.com/mumuhhh/gosasl/sasl"
)

var ciphers = []string{"rc4", "rc4-56", "rc4-40"}

type serverState int

const (
	serverChallenge serverState = iota
	serverVerify
	serverFinal
	serverDone
)

type DigestMD5Server struct {
	state  serverState
	token  *Challenge
	ex     exchange
	secCtx SecurityCtx
}

func NewDigestMD5Server() *DigestMD5Server {
	return &DigestMD5Server{}
}

func (m *DigestMD5Server) Step(a sasl.Accessor, input []byte) ([]byte, bool, error) {
	switch m.state {
	case serverChallenge:
		if len(input) > 0 {
			return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "DIGEST-MD5 takes no initial response")
		}
		out, err := m.challenge(a)
		if err != nil {
			return nil, false, err
		}
		m.state = serverVerify
		return out, true, nil

	case serverVerify:
		out, err := m.verify(a, input)
		if err != nil {
			return nil, false, err
		}
		m.state = serverFinal
		return out, true, nil

	case serverFinal:
		if len(input) > 0 {
			return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "unexpected data after rspauth")
		}
		m.state = serverDone
		return nil, false, nil
	}

	return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
}

// challenge builds the digest-challenge, RFC 2831 section 2.1.1.
func (m *DigestMD5Server) challenge(a sasl.Accessor) ([]byte, error) {
	realm, err := sasl.Lookup(a, sasl.Realm)
	if err != nil {
		return nil, err
	}
	if realm == "" {
		if realm, err = sasl.Lookup(a, sasl.Hostname); err != nil {
			return nil, err
		}
	}

	qops, err := sasl.Lookup(a, sasl.QOPs)
	if err != nil {
		return nil, err
	}
	offered := splitList(qops)
	if len(offered) == 0 {
		offered = []string{qopAuth}
	}
	for _, q := range offered {
		if q != qopAuth && q != qopInt && q != qopConf {
			return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "unknown qop %q", q)
		}
	}

	nonce, err := generateNonce(24)
	if err != nil {
		return nil, err
	}

	m.token = &Challenge{
		Nonce:     nonce,
		Qop:       offered,
		Charset:   "utf-8",
		Algorithm: "md5-sess",
		MaxBuf:    65536,
	}
	if realm != "" {
		m.token.Realms = []string{realm}
	}
	if m.token.offers(qopConf) {
		m.token.Cipher = ciphers
	}

	return []byte(m.token.String()), nil
}

// verify checks the digest-response and answers with rspauth, RFC 2831 section 2.1.3.
func (m *DigestMD5Server) verify(a sasl.Accessor, input []byte) ([]byte, error) {
	rsp, err := ParseResponse(input)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}

	switch {
	case rsp.Nonce != m.token.Nonce:
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "nonce mismatch")

	case rsp.NC != nonceCount:
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "unexpected nonce count %s", rsp.NC)

	case !m.token.offers(rsp.Qop):
		return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "qop %s was not offered", rsp.Qop)

	case len(m.token.Realms) > 0 && rsp.Realm != m.token.Realms[0]:
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "realm %q was not offered", rsp.Realm)

	case !strings.Contains(rsp.DigestURI, "/"):
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "bad digest-uri %q", rsp.DigestURI)
	}

	if rsp.Qop == qopConf {
		known := false
		for _, c := range ciphers {
			known = known || c == rsp.Cipher
		}
		if !known {
			return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "cipher %q was not offered", rsp.Cipher)
		}
	}

	a.SetProperty(sasl.AuthID, rsp.Username)
	if rsp.AuthzID != "" {
		a.SetProperty(sasl.AuthzID, rsp.AuthzID)
	}
	if rsp.Realm != "" {
		a.SetProperty(sasl.Realm, rsp.Realm)
	}

	secret, err := lookupSecret(a, rsp.Username, rsp.Realm)
	if err != nil {
		return nil, err
	}

	m.ex = exchange{
		secret:    secret,
		nonce:     rsp.Nonce,
		cnonce:    rsp.CNonce,
		authzid:   rsp.AuthzID,
		qop:       rsp.Qop,
		digestURI: rsp.DigestURI,
		cipher:    rsp.Cipher,
	}
	if !hmac.Equal([]byte(m.ex.compute(true)), []byte(rsp.Response)) {
		return nil, sasl.Fail(sasl.CodeAuthenticationError)
	}

	if m.secCtx, err = m.ex.securityCtx(false); err != nil {
		return nil, err
	}
	a.SetProperty(sasl.QOP, rsp.Qop)

	return []byte("rspauth=" + m.ex.compute(false)), nil
}

func (m *DigestMD5Server) Encode(outgoing []byte) ([]byte, error) {
	if m.secCtx == nil {
		return outgoing, nil
	}
	return m.secCtx.Wrap(outgoing)
}

func (m *DigestMD5Server) Decode(incoming []byte) ([]byte, error) {
	if m.secCtx == nil {
		return incoming, nil
	}
	return m.secCtx.Unwrap(incoming)
}

func (m *DigestMD5Server) Finish() {
	m.secCtx = nil
	m.ex = exchange{}
}

var (
	_ sasl.Codec         = (*DigestMD5Server)(nil)
	_ sasl.SecurityLayer = (*DigestMD5Server)(nil)
)
