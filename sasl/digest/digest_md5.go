package sasldigest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"hash"
	"math/big"
	"strings"

	"github.com/mumuhhh/gosasl/sasl"
)

const (
	Name = "DIGEST-MD5"

	macHMACLen    = 10
	macMsgTypeLen = 2
	macSeqNumLen  = 4
	macTrailerLen = macHMACLen + macMsgTypeLen + macSeqNumLen

	nonceCount = "00000001"

	qopAuth = sasl.QopAuthentication
	qopInt  = sasl.QopIntegrity
	qopConf = sasl.QopPrivacy
)

var macMsgType = [2]byte{0x00, 0x01}

var Mechanism = sasl.Mechanism{
	Name:      Name,
	Priority:  60,
	NewClient: func() (sasl.Codec, error) { return NewDigestMD5Client(), nil },
	NewServer: func() (sasl.Codec, error) { return NewDigestMD5Server(), nil },
}

func init() {
	sasl.Register(Mechanism)
}

func lenEncodeBytes(seqnum uint32) (out [4]byte) {
	out[0] = byte((seqnum >> 24) & 0xFF)
	out[1] = byte((seqnum >> 16) & 0xFF)
	out[2] = byte((seqnum >> 8) & 0xFF)
	out[3] = byte(seqnum & 0xFF)
	return
}

// SecurityCtx protects application data once a layer is negotiated.
type SecurityCtx interface {
	Wrap(outgoing []byte) ([]byte, error)
	Unwrap(incoming []byte) ([]byte, error)
}

var letters = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func generateNonce(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(letters)))
	for i := range b {
		j, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", sasl.Failf(sasl.CodeMechanismError, "nonce: %v", err)
		}
		b[i] = letters[j.Int64()]
	}
	return string(b), nil
}

func h(s string) []byte {
	hash := md5.Sum([]byte(s))
	return hash[:]
}

func kd(k, s string) []byte {
	return h(k + ":" + s)
}

// userSecret is H(username:realm:password), the form servers may store instead of the password.
func userSecret(username, realm, password string) []byte {
	return h(strings.Join([]string{username, realm, password}, ":"))
}

// parseSecret decodes a hex md5HashedPassword property.
func parseSecret(hashed string) ([]byte, error) {
	secret, err := hex.DecodeString(hashed)
	if err != nil || len(secret) != md5.Size {
		return nil, sasl.Failf(sasl.CodeMechanismError, "md5HashedPassword must be %d hex digits", 2*md5.Size)
	}
	return secret, nil
}

// exchange holds the values both sides hash.
type exchange struct {
	secret    []byte
	nonce     string
	cnonce    string
	authzid   string
	qop       string
	digestURI string
	cipher    string
}

func (e *exchange) a1() string {
	y := []string{string(e.secret), e.nonce, e.cnonce}
	if e.authzid != "" {
		y = append(y, e.authzid)
	}
	return strings.Join(y, ":")
}

func (e *exchange) a2(initial bool) string {
	var a2 []string
	if initial {
		a2 = append(a2, "AUTHENTICATE")
	} else {
		a2 = append(a2, "")
	}
	a2 = append(a2, e.digestURI)
	if e.qop == qopConf || e.qop == qopInt {
		a2 = append(a2, "00000000000000000000000000000000")
	}
	return strings.Join(a2, ":")
}

// compute returns the response value when initial is set and the rspauth value otherwise.
func (e *exchange) compute(initial bool) string {
	x := hex.EncodeToString(h(e.a1()))
	y := strings.Join([]string{
		e.nonce,
		nonceCount,
		e.cnonce,
		e.qop,
		hex.EncodeToString(h(e.a2(initial))),
	}, ":")
	return hex.EncodeToString(kd(x, y))
}

// securityCtx builds the negotiated layer, nil for auth.
func (e *exchange) securityCtx(client bool) (SecurityCtx, error) {
	switch e.qop {
	case qopInt:
		kic, kis := generateIntegrityKeys(e.a1())
		if client {
			return NewDigestIntegrity(kic, kis), nil
		}
		return NewDigestIntegrity(kis, kic), nil

	case qopConf:
		kic, kis := generateIntegrityKeys(e.a1())
		kcc, kcs := generatePrivacyKeys(e.a1(), e.cipher)
		if client {
			return NewDigestPrivacy(kic, kis, kcc, kcs)
		}
		return NewDigestPrivacy(kis, kic, kcs, kcc)
	}

	return nil, nil
}

func chooseCipher(options []string) string {
	s := make(map[string]bool)
	for _, c := range options {
		s[c] = true
	}

	switch {
	case s["rc4"]:
		return "rc4"
	case s["rc4-56"]:
		return "rc4-56"
	case s["rc4-40"]:
		return "rc4-40"
	default:
		return ""
	}
}

type DigestMD5Client struct {
	Token *Challenge

	ex        exchange
	completed bool
	secCtx    SecurityCtx
}

func NewDigestMD5Client() *DigestMD5Client {
	return &DigestMD5Client{}
}

func (m *DigestMD5Client) Step(a sasl.Accessor, challenge []byte) ([]byte, bool, error) {
	switch {
	case m.completed:
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)

	case m.Token == nil && len(challenge) == 0:
		return nil, true, nil

	case m.Token == nil:
		out, err := m.challengeStep1(a, challenge)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}

	if err := m.challengeStep2(challenge); err != nil {
		return nil, false, err
	}
	m.completed = true
	return []byte{}, false, nil
}

// challengeStep1 answers the digest-challenge, RFC 2831 section 2.1.2.
func (m *DigestMD5Client) challengeStep1(a sasl.Accessor, challenge []byte) ([]byte, error) {
	token, err := ParseChallenge(challenge)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}

	qop, err := sasl.Lookup(a, sasl.QOP)
	if err != nil {
		return nil, err
	}
	if qop == "" {
		qop = qopAuth
	}
	if !token.offers(qop) {
		return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "server does not offer %s", qop)
	}

	cipher := ""
	if qop == qopConf {
		if cipher = chooseCipher(token.Cipher); cipher == "" {
			return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "no common cipher in %v", token.Cipher)
		}
	}

	username, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
	if err != nil {
		return nil, err
	}
	authzid, err := sasl.Lookup(a, sasl.AuthzID)
	if err != nil {
		return nil, err
	}
	service, err := sasl.Require(a, sasl.Service, sasl.CodeNoService)
	if err != nil {
		return nil, err
	}
	hostname, err := sasl.Require(a, sasl.Hostname, sasl.CodeNoHostname)
	if err != nil {
		return nil, err
	}
	realm, err := sasl.Lookup(a, sasl.Realm)
	if err != nil {
		return nil, err
	}
	if realm == "" && len(token.Realms) > 0 {
		realm = token.Realms[0]
	}

	secret, err := lookupSecret(a, username, realm)
	if err != nil {
		return nil, err
	}

	cnonce, err := generateNonce(16)
	if err != nil {
		return nil, err
	}

	m.Token = token
	m.ex = exchange{
		secret:    secret,
		nonce:     token.Nonce,
		cnonce:    cnonce,
		authzid:   authzid,
		qop:       qop,
		digestURI: service + "/" + hostname,
		cipher:    cipher,
	}
	a.SetProperty(sasl.QOP, qop)

	rsp := &Response{
		Username:  username,
		Realm:     realm,
		Nonce:     token.Nonce,
		CNonce:    cnonce,
		NC:        nonceCount,
		Qop:       qop,
		DigestURI: m.ex.digestURI,
		Response:  m.ex.compute(true),
		Charset:   token.Charset,
		Cipher:    cipher,
		AuthzID:   authzid,
	}

	return []byte(rsp.String()), nil
}

// lookupSecret prefers md5HashedPassword over password.
func lookupSecret(a sasl.Accessor, username, realm string) ([]byte, error) {
	hashed, err := sasl.Lookup(a, sasl.MD5HashedPassword)
	if err != nil {
		return nil, err
	}
	if hashed != "" {
		return parseSecret(hashed)
	}

	password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
	if err != nil {
		return nil, err
	}
	return userSecret(username, realm, password), nil
}

// challengeStep2 verifies rspauth, RFC 2831 section 2.1.3.
func (m *DigestMD5Client) challengeStep2(challenge []byte) error {
	directives, err := parseDirectives(challenge)
	if err != nil || len(directives) != 1 || directives[0].name != "rspauth" {
		return sasl.Failf(sasl.CodeMalformedMessage, "rspauth not in %q", challenge)
	}

	if strings.ToLower(directives[0].value) != m.ex.compute(false) {
		return sasl.Failf(sasl.CodeAuthenticationError, "rspauth did not match digest")
	}

	m.secCtx, err = m.ex.securityCtx(true)
	return err
}

func (m *DigestMD5Client) Encode(outgoing []byte) ([]byte, error) {
	if m.secCtx == nil {
		return outgoing, nil
	}
	return m.secCtx.Wrap(outgoing)
}

func (m *DigestMD5Client) Decode(incoming []byte) ([]byte, error) {
	if m.secCtx == nil {
		return incoming, nil
	}
	return m.secCtx.Unwrap(incoming)
}

func (m *DigestMD5Client) Finish() {
	m.secCtx = nil
	m.ex = exchange{}
}

// msgHMAC implements the HMAC wrapper per the RFC:
//
//	HMAC(ki, {seqnum, msg})[0..9].
func msgHMAC(mac hash.Hash, seq [4]byte, msg []byte) []byte {
	mac.Reset()
	mac.Write(seq[:])
	mac.Write(msg)

	return mac.Sum(nil)[:macHMACLen]
}

func layerError(format string, args ...any) error {
	return sasl.Failf(sasl.CodeIntegrityError, format, args...)
}

var (
	_ sasl.Codec         = (*DigestMD5Client)(nil)
	_ sasl.SecurityLayer = (*DigestMD5Client)(nil)
)
