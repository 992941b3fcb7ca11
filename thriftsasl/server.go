package thriftsasl

import (
	"github.com/apache/thrift/lib/go/thrift"

	"github.com/mumuhhh/gosasl/sasl"
)

// TSaslServerTransport authenticates the peer of tp with a server session of ctx when opened.
type TSaslServerTransport struct {
	saslTransport
	saslCtx *sasl.Context
}

func NewServerTransport(tp thrift.TTransport, ctx *sasl.Context) *TSaslServerTransport {
	return &TSaslServerTransport{saslTransport: newSaslTransport(tp), saslCtx: ctx}
}

// Session returns the server session, or nil before the client sent START.
func (t *TSaslServerTransport) Session() *sasl.Session {
	return t.session
}

func (t *TSaslServerTransport) handleSaslStartMessage() ([]byte, error) {
	status, payload, err := t.receiveSaslMessage()
	if err != nil {
		return nil, err
	}
	if status != START {
		return nil, t.fail(ErrProtocol.New("expected START, got %s", statusName(status)))
	}
	mechanism := string(payload)

	// the initial response always follows START, read it before answering
	status, payload, err = t.receiveSaslMessage()
	if err != nil {
		return nil, err
	}
	if status != OK && status != COMPLETE {
		return nil, t.fail(ErrProtocol.New("expected OK or COMPLETE, got %s", statusName(status)))
	}

	if t.session, err = t.saslCtx.StartServerSession(mechanism); err != nil {
		_ = t.sendSaslMessage(BAD, []byte(err.Error()))
		return nil, err
	}
	return payload, nil
}

func (t *TSaslServerTransport) Open() (err error) {
	if t.opened {
		return ErrOpen.New("SASL transport already open")
	}

	if !t.tp.IsOpen() {
		if err = t.tp.Open(); err != nil {
			return err
		}
	}

	payload, err := t.handleSaslStartMessage()
	if err != nil {
		return err
	}

	for {
		out, more, err := t.session.Step(payload)
		if err != nil {
			return t.fail(err)
		}
		if !more {
			if err := t.sendSaslMessage(COMPLETE, out); err != nil {
				return err
			}
			break
		}

		if err := t.sendSaslMessage(OK, out); err != nil {
			return err
		}

		var status byte
		if status, payload, err = t.receiveSaslMessage(); err != nil {
			return err
		}
		if status != OK && status != COMPLETE {
			return t.fail(ErrProtocol.New("expected OK or COMPLETE, got %s", statusName(status)))
		}
	}

	t.established()
	return nil
}

func (t *TSaslServerTransport) Close() error {
	if t.session != nil {
		t.session.Release()
	}
	return t.tp.Close()
}

// TSaslServerTransportFactory negotiates SASL on every transport a Thrift server accepts.
type TSaslServerTransportFactory struct {
	ctx *sasl.Context
}

func NewServerTransportFactory(ctx *sasl.Context) *TSaslServerTransportFactory {
	return &TSaslServerTransportFactory{ctx: ctx}
}

func (f *TSaslServerTransportFactory) GetTransport(trans thrift.TTransport) (thrift.TTransport, error) {
	t := NewServerTransport(trans, f.ctx)
	if err := t.Open(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

var (
	_ thrift.TTransport        = (*TSaslServerTransport)(nil)
	_ thrift.TTransportFactory = (*TSaslServerTransportFactory)(nil)
)
