package saslcrammd5

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mumuhhh/gosasl/sasl"
)

const Name = "CRAM-MD5"

var Mechanism = sasl.Mechanism{
	Name:      Name,
	Priority:  50,
	NewClient: func() (sasl.Codec, error) { return NewCramMD5Client(), nil },
	NewServer: func() (sasl.Codec, error) { return NewCramMD5Server(), nil },
}

func init() {
	sasl.Register(Mechanism)
}

type CramMD5Client struct {
	completed bool
}

func NewCramMD5Client() *CramMD5Client {
	return &CramMD5Client{}
}

// Step waits for the server challenge, then answers "username digest".
func (p *CramMD5Client) Step(a sasl.Accessor, challenge []byte) ([]byte, bool, error) {
	if p.completed {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}
	if len(challenge) == 0 {
		return nil, true, nil
	}

	username, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
	if err != nil {
		return nil, false, err
	}
	password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
	if err != nil {
		return nil, false, err
	}

	p.completed = true
	return []byte(username + " " + HmacMD5([]byte(password), challenge)), false, nil
}

func (p *CramMD5Client) Finish() {}

type CramMD5Server struct {
	challenge []byte
	completed bool
}

func NewCramMD5Server() *CramMD5Server {
	return &CramMD5Server{}
}

func (p *CramMD5Server) Step(a sasl.Accessor, response []byte) ([]byte, bool, error) {
	switch {
	case p.completed:
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)

	case p.challenge == nil:
		if len(response) > 0 {
			return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "CRAM-MD5 takes no initial response")
		}

		hostname, err := sasl.Lookup(a, sasl.Hostname)
		if err != nil {
			return nil, false, err
		}
		if hostname == "" {
			hostname = "localhost"
		}

		p.challenge, err = newChallenge(hostname)
		if err != nil {
			return nil, false, err
		}
		return p.challenge, true, nil
	}

	p.completed = true

	// the user name may contain spaces, the digest never does
	i := bytes.LastIndexByte(response, ' ')
	if i <= 0 || len(response)-i-1 != 2*md5.Size {
		return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "bad CRAM-MD5 response")
	}
	digest := bytes.ToLower(response[i+1:])
	if _, err := hex.Decode(make([]byte, md5.Size), digest); err != nil {
		return nil, false, sasl.Failf(sasl.CodeMalformedMessage, "bad CRAM-MD5 digest: %v", err)
	}

	a.SetProperty(sasl.AuthID, string(response[:i]))
	password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
	if err != nil {
		return nil, false, err
	}

	expected := HmacMD5([]byte(password), p.challenge)
	if !hmac.Equal([]byte(expected), digest) {
		return nil, false, sasl.Fail(sasl.CodeAuthenticationError)
	}

	return nil, false, nil
}

func (p *CramMD5Server) Finish() {
	p.challenge = nil
}

var (
	_ sasl.Codec = (*CramMD5Client)(nil)
	_ sasl.Codec = (*CramMD5Server)(nil)
)

// HmacMD5 returns the lower-case hex HMAC-MD5 of text under key.
func HmacMD5(key, text []byte) string {
	mac := hmac.New(md5.New, key)
	mac.Write(text)
	return hex.EncodeToString(mac.Sum(nil))
}

// newChallenge returns an RFC 2195 msg-id: <random.timestamp@hostname>.
func newChallenge(hostname string) ([]byte, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, sasl.Failf(sasl.CodeMechanismError, "random challenge: %v", err)
	}

	return []byte(fmt.Sprintf("<%d.%d@%s>", binary.BigEndian.Uint64(buf[:]), time.Now().Unix(), hostname)), nil
}
