// Package saslgsskerb implements the GSSAPI mechanism (RFC 4752) over Kerberos V5.
//
// The registered Mechanism reads krb5.conf from KRB5_CONFIG and the keytab from
// KRB5_KTNAME; New builds a descriptor with explicit settings for WithMechanism.
package saslgsskerb

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/mumuhhh/gosasl/sasl"
)

const (
	Name = "GSSAPI"

	defaultConfigPath = "/etc/krb5.conf"
	maxBufferSize     = 65536

	layerNone      byte = 1
	layerIntegrity byte = 2
	layerPrivacy   byte = 4
)

var Mechanism = New()

func init() {
	sasl.Register(Mechanism)
}

type options struct {
	conf       *config.Config
	confPath   string
	keytab     *keytab.Keytab
	keytabPath string
	principal  string
}

type Option func(*options)

// WithConfig uses an already parsed krb5.conf.
func WithConfig(c *config.Config) Option {
	return func(o *options) { o.conf = c }
}

func WithConfigPath(path string) Option {
	return func(o *options) { o.confPath = path }
}

// WithKeytab sets the keytab used by servers, and by clients instead of a password.
func WithKeytab(kt *keytab.Keytab) Option {
	return func(o *options) { o.keytab = kt }
}

func WithKeytabPath(path string) Option {
	return func(o *options) { o.keytabPath = path }
}

// WithKeytabPrincipal selects the service principal a server looks up in the keytab.
func WithKeytabPrincipal(principal string) Option {
	return func(o *options) { o.principal = principal }
}

// New returns a GSSAPI descriptor configured by opts.
func New(opts ...Option) sasl.Mechanism {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return sasl.Mechanism{
		Name:      Name,
		Priority:  100,
		NewClient: func() (sasl.Codec, error) { return &GssKerbClient{opts: o}, nil },
		NewServer: func() (sasl.Codec, error) { return &GssKerbServer{opts: o}, nil },
	}
}

func (o *options) loadConfig() (*config.Config, error) {
	if o.conf != nil {
		return o.conf, nil
	}

	path := o.confPath
	if path == "" {
		path = os.Getenv("KRB5_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	conf, err := config.Load(path)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "load %s: %v", path, err)
	}
	return conf, nil
}

// loadKeytab returns nil without error when no keytab is configured and none is required.
func (o *options) loadKeytab(required bool) (*keytab.Keytab, error) {
	if o.keytab != nil {
		return o.keytab, nil
	}

	path := o.keytabPath
	if path == "" {
		path = strings.TrimPrefix(os.Getenv("KRB5_KTNAME"), "FILE:")
	}
	if path == "" {
		if required {
			return nil, sasl.Failf(sasl.CodeGSSAPIError, "no keytab configured")
		}
		return nil, nil
	}

	kt, err := keytab.Load(path)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "load keytab %s: %v", path, err)
	}
	return kt, nil
}

func layerBit(qop string) (byte, bool) {
	switch qop {
	case "", sasl.QopAuthentication:
		return layerNone, true
	case sasl.QopIntegrity:
		return layerIntegrity, true
	case sasl.QopPrivacy:
		return layerPrivacy, true
	}
	return 0, false
}

func layerQop(bit byte) string {
	switch bit {
	case layerIntegrity:
		return sasl.QopIntegrity
	case layerPrivacy:
		return sasl.QopPrivacy
	}
	return sasl.QopAuthentication
}

// layerMessage is the 4-byte security layer negotiation message plus an optional authzid.
func layerMessage(bits byte, maxBuf uint32, authzID string) []byte {
	out := make([]byte, 4, 4+len(authzID))
	binary.BigEndian.PutUint32(out, maxBuf)
	out[0] = bits
	return append(out, authzID...)
}

func parseLayerMessage(b []byte) (bits byte, maxBuf uint32, authzID string, err error) {
	if len(b) < 4 {
		return 0, 0, "", sasl.Failf(sasl.CodeMalformedMessage, "security layer message of %d bytes", len(b))
	}
	bits = b[0]
	maxBuf = binary.BigEndian.Uint32([]byte{0, b[1], b[2], b[3]})
	return bits, maxBuf, string(b[4:]), nil
}

// layer wraps and unwraps messages with the context session key.
type layer struct {
	key       types.EncryptionKey
	initiator bool

	integrity, privacy bool
}

func (l *layer) usages() (send, recv uint32) {
	if l.initiator {
		return keyusage.GSSAPI_INITIATOR_SEAL, keyusage.GSSAPI_ACCEPTOR_SEAL
	}
	return keyusage.GSSAPI_ACCEPTOR_SEAL, keyusage.GSSAPI_INITIATOR_SEAL
}

func (l *layer) wrap(b []byte, privacy bool) ([]byte, error) {
	send, _ := l.usages()

	payload := b
	if privacy {
		et, err := crypto.GetEtype(l.key.KeyType)
		if err != nil {
			return nil, fmt.Errorf("error getting etype: %v", err)
		}
		_, sealed, err := et.EncryptMessage(l.key.KeyValue, b, send)
		if err != nil {
			return nil, err
		}
		payload = sealed
	}

	var token *gssapi.WrapToken
	var err error
	if l.initiator {
		token, err = gssapi.NewInitiatorWrapToken(payload, l.key)
	} else {
		token, err = newAcceptorWrapToken(payload, l.key)
	}
	if err != nil {
		return nil, err
	}
	return token.Marshal()
}

func (l *layer) unwrap(b []byte, privacy bool) ([]byte, error) {
	_, recv := l.usages()

	var token gssapi.WrapToken
	if err := token.Unmarshal(b, l.initiator); err != nil {
		return nil, err
	}
	if ok, err := token.Verify(l.key, recv); !ok {
		return nil, fmt.Errorf("unverifiable message from peer: %v", err)
	}

	if privacy {
		return crypto.DecryptMessage(token.Payload, l.key, recv)
	}
	return token.Payload, nil
}

func newAcceptorWrapToken(payload []byte, key types.EncryptionKey) (*gssapi.WrapToken, error) {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, err
	}

	token := &gssapi.WrapToken{
		Flags:   0x01, // sent by the acceptor
		EC:      uint16(et.GetHMACBitLength() / 8),
		Payload: payload,
	}
	if err := token.SetCheckSum(key, keyusage.GSSAPI_ACCEPTOR_SEAL); err != nil {
		return nil, err
	}
	return token, nil
}

func (l *layer) Encode(outgoing []byte) ([]byte, error) {
	if !l.integrity {
		return outgoing, nil
	}
	out, err := l.wrap(outgoing, l.privacy)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeIntegrityError, "%v", err)
	}
	return out, nil
}

func (l *layer) Decode(incoming []byte) ([]byte, error) {
	if !l.integrity {
		return incoming, nil
	}
	out, err := l.unwrap(incoming, l.privacy)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeIntegrityError, "%v", err)
	}
	return out, nil
}

func (l *layer) negotiated(bit byte) {
	l.integrity = bit != layerNone
	l.privacy = bit == layerPrivacy
}
