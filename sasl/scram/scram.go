// Package saslscram implements the SCRAM-SHA-1 and SCRAM-SHA-256 families (RFC 5802, RFC 7677),
// with and without tls-unique channel binding.
package saslscram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"hash"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"

	"github.com/mumuhhh/gosasl/sasl"
)

const (
	channelBindingType = "tls-unique"
	defaultIterations  = 4096
	nonceLen           = 18
	saltLen            = 12
)

// Hash is one member of the SCRAM family.
type Hash struct {
	name string
	new  func() hash.Hash
}

var (
	SHA1   = Hash{name: "SCRAM-SHA-1", new: sha1.New}
	SHA256 = Hash{name: "SCRAM-SHA-256", new: sha256.New}
)

func (h Hash) Name(plus bool) string {
	if plus {
		return h.name + "-PLUS"
	}
	return h.name
}

// Mechanisms returns the four registered descriptors, most preferred first.
func Mechanisms() []sasl.Mechanism {
	return []sasl.Mechanism{
		mechanism(SHA256, true, 95),
		mechanism(SHA256, false, 90),
		mechanism(SHA1, true, 85),
		mechanism(SHA1, false, 80),
	}
}

func mechanism(h Hash, plus bool, priority int) sasl.Mechanism {
	return sasl.Mechanism{
		Name:      h.Name(plus),
		Priority:  priority,
		NewClient: func() (sasl.Codec, error) { return NewClient(h, plus), nil },
		NewServer: func() (sasl.Codec, error) { return NewServer(h, plus), nil },
	}
}

func init() {
	for _, m := range Mechanisms() {
		sasl.Register(m)
	}
}

func (h Hash) hmac(key []byte, msg string) []byte {
	mac := hmac.New(h.new, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func (h Hash) sum(b []byte) []byte {
	d := h.new()
	d.Write(b)
	return d.Sum(nil)
}

// saltedPassword is Hi(Normalize(password), salt, i).
func (h Hash) saltedPassword(password string, salt []byte, iter int) ([]byte, error) {
	prepared, err := saslPrep(password)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(prepared), salt, iter, h.new().Size(), h.new), nil
}

// keys derives the client key, stored key and server key from the salted password.
func (h Hash) keys(salted []byte) (clientKey, storedKey, serverKey []byte) {
	clientKey = h.hmac(salted, "Client Key")
	storedKey = h.sum(clientKey)
	serverKey = h.hmac(salted, "Server Key")
	return
}

func saslPrep(s string) (string, error) {
	prepared, err := precis.OpaqueString.String(s)
	if err != nil {
		return "", sasl.Failf(sasl.CodeMalformedMessage, "SASLprep: %v", err)
	}
	return prepared, nil
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", sasl.Failf(sasl.CodeMechanismError, "random: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func newNonce() (string, error) {
	return randomBase64(nonceLen)
}

// channelBinding returns the cbind-input for the c= attribute.
func channelBinding(header gs2Header, data []byte) string {
	return base64.StdEncoding.EncodeToString(append([]byte(header.String()), data...))
}

// tlsUnique decodes the base64 cbTlsUnique property.
func tlsUnique(value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeBase64, "cbTlsUnique: %v", err)
	}
	return data, nil
}
