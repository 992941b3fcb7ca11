package saslgsskerb

import (
	"strings"

	krb "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/mumuhhh/gosasl/sasl"
)

type GssKerbClient struct {
	opts           *options
	kerberosClient *krb.Client

	layer
	authzID string

	tokenSent, completed bool
}

func (p *GssKerbClient) Step(a sasl.Accessor, challenge []byte) ([]byte, bool, error) {
	if p.completed {
		return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
	}

	if !p.tokenSent {
		token, err := p.initialToken(a)
		if err != nil {
			return nil, false, err
		}
		p.tokenSent = true
		return token, true, nil
	}

	if len(challenge) == 0 {
		return []byte{}, true, nil
	}
	out, err := p.negotiate(a, challenge)
	if err != nil {
		return nil, false, err
	}
	p.completed = true
	return out, false, nil
}

// initialToken logs in to the KDC and returns the AP-REQ for service/hostname.
func (p *GssKerbClient) initialToken(a sasl.Accessor) ([]byte, error) {
	service, err := sasl.Require(a, sasl.Service, sasl.CodeNoService)
	if err != nil {
		return nil, err
	}
	hostname, err := sasl.Require(a, sasl.Hostname, sasl.CodeNoHostname)
	if err != nil {
		return nil, err
	}
	if p.authzID, err = sasl.Lookup(a, sasl.AuthzID); err != nil {
		return nil, err
	}

	if p.kerberosClient, err = p.login(a); err != nil {
		return nil, err
	}

	ticket, key, err := p.kerberosClient.GetServiceTicket(service + "/" + hostname)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "service ticket: %v", err)
	}
	p.layer = layer{key: key, initiator: true}

	token, err := spnego.NewNegTokenInitKRB5(p.kerberosClient, ticket, key)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "%v", err)
	}
	return token.MechTokenBytes, nil
}

func (p *GssKerbClient) login(a sasl.Accessor) (*krb.Client, error) {
	conf, err := p.opts.loadConfig()
	if err != nil {
		return nil, err
	}
	kt, err := p.opts.loadKeytab(false)
	if err != nil {
		return nil, err
	}

	user, err := sasl.Require(a, sasl.AuthID, sasl.CodeNoAuthID)
	if err != nil {
		return nil, err
	}
	realm, err := sasl.Lookup(a, sasl.Realm)
	if err != nil {
		return nil, err
	}
	if i := strings.LastIndexByte(user, '@'); i >= 0 {
		if realm == "" {
			realm = user[i+1:]
		}
		user = user[:i]
	}
	if realm == "" {
		realm = conf.LibDefaults.DefaultRealm
	}

	var cl *krb.Client
	if kt != nil {
		cl = krb.NewWithKeytab(user, realm, kt, conf)
	} else {
		password, err := sasl.Require(a, sasl.Password, sasl.CodeNoPassword)
		if err != nil {
			return nil, err
		}
		cl = krb.NewWithPassword(user, realm, password, conf)
	}

	if err := cl.Login(); err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "login %s@%s: %v", user, realm, err)
	}
	return cl, nil
}

// negotiate answers the server's security layer offer.
func (p *GssKerbClient) negotiate(a sasl.Accessor, challenge []byte) ([]byte, error) {
	data, err := p.unwrap(challenge, false)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "%v", err)
	}
	offered, serverMax, _, err := parseLayerMessage(data)
	if err != nil {
		return nil, err
	}

	qop, err := sasl.Lookup(a, sasl.QOP)
	if err != nil {
		return nil, err
	}
	bit, ok := layerBit(qop)
	if !ok || offered&bit == 0 {
		return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "server does not offer %q", qop)
	}

	maxBuf := uint32(maxBufferSize)
	if serverMax < maxBuf {
		maxBuf = serverMax
	}
	if bit == layerNone {
		maxBuf = 0
	}

	out, err := p.wrap(layerMessage(bit, maxBuf, p.authzID), false)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "%v", err)
	}

	p.negotiated(bit)
	a.SetProperty(sasl.QOP, layerQop(bit))
	return out, nil
}

func (p *GssKerbClient) Finish() {
	if p.kerberosClient != nil {
		p.kerberosClient.Destroy()
		p.kerberosClient = nil
	}
}

var (
	_ sasl.Codec         = (*GssKerbClient)(nil)
	_ sasl.SecurityLayer = (*GssKerbClient)(nil)
)
