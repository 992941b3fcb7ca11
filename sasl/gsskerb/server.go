package saslgsskerb

import (
	"strings"

	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/mumuhhh/gosasl/sasl"
)

type serverState int

const (
	serverToken serverState = iota
	serverLayer
	serverDone
)

type GssKerbServer struct {
	opts *options

	layer
	state   serverState
	offered byte
}

func (p *GssKerbServer) Step(a sasl.Accessor, response []byte) ([]byte, bool, error) {
	switch p.state {
	case serverToken:
		if len(response) == 0 {
			return []byte{}, true, nil
		}
		if err := p.accept(a, response); err != nil {
			return nil, false, err
		}
		offer, err := p.offer(a)
		if err != nil {
			return nil, false, err
		}
		p.state = serverLayer
		return offer, true, nil

	case serverLayer:
		if err := p.finish(a, response); err != nil {
			return nil, false, err
		}
		p.state = serverDone
		return nil, false, nil
	}

	return nil, false, sasl.Fail(sasl.CodeMechanismCalledTooManyTimes)
}

// accept verifies the client's AP-REQ against the keytab.
func (p *GssKerbServer) accept(a sasl.Accessor, response []byte) error {
	kt, err := p.opts.loadKeytab(true)
	if err != nil {
		return err
	}

	var token spnego.KRB5Token
	if err := token.Unmarshal(response); err != nil {
		return sasl.Failf(sasl.CodeMalformedMessage, "%v", err)
	}
	if !token.IsAPReq() {
		return sasl.Failf(sasl.CodeMalformedMessage, "expected a KRB5 AP-REQ token")
	}

	settings := []func(*service.Settings){service.DecodePAC(false)}
	if p.opts.principal != "" {
		settings = append(settings, service.KeytabPrincipal(p.opts.principal))
	}
	ok, creds, err := service.VerifyAPREQ(&token.APReq, service.NewSettings(kt, settings...))
	if err != nil || !ok {
		return sasl.Failf(sasl.CodeAuthenticationError, "AP-REQ rejected: %v", err)
	}

	p.layer = layer{key: token.APReq.Ticket.DecryptedEncPart.Key}

	a.SetProperty(sasl.AuthID, creds.UserName())
	a.SetProperty(sasl.Realm, creds.Domain())
	a.SetProperty(sasl.DisplayName, creds.CName().PrincipalNameString()+"@"+creds.Domain())
	return nil
}

// offer announces the layers listed in the qops property.
func (p *GssKerbServer) offer(a sasl.Accessor) ([]byte, error) {
	qops, err := sasl.Lookup(a, sasl.QOPs)
	if err != nil {
		return nil, err
	}
	if qops == "" {
		qops = sasl.QopAuthentication
	}

	for _, qop := range strings.Split(qops, ",") {
		bit, ok := layerBit(strings.TrimSpace(qop))
		if !ok {
			return nil, sasl.Failf(sasl.CodeUnsupportedLayer, "unknown qop %q", qop)
		}
		p.offered |= bit
	}

	out, err := p.wrap(layerMessage(p.offered, maxBufferSize, ""), false)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeGSSAPIError, "%v", err)
	}
	return out, nil
}

// finish checks the client's layer choice and asks the application to validate.
func (p *GssKerbServer) finish(a sasl.Accessor, response []byte) error {
	data, err := p.unwrap(response, false)
	if err != nil {
		return sasl.Failf(sasl.CodeGSSAPIError, "%v", err)
	}
	bit, _, authzID, err := parseLayerMessage(data)
	if err != nil {
		return err
	}
	if (bit != layerNone && bit != layerIntegrity && bit != layerPrivacy) || p.offered&bit == 0 {
		return sasl.Failf(sasl.CodeUnsupportedLayer, "client chose layer %#x out of %#x", bit, p.offered)
	}

	if authzID != "" {
		a.SetProperty(sasl.AuthzID, authzID)
	}
	p.negotiated(bit)
	a.SetProperty(sasl.QOP, layerQop(bit))

	return a.Validate(sasl.ValidateGSSAPI)
}

func (p *GssKerbServer) Finish() {}

var (
	_ sasl.Codec         = (*GssKerbServer)(nil)
	_ sasl.SecurityLayer = (*GssKerbServer)(nil)
)
