package thriftsasl

import (
	"github.com/apache/thrift/lib/go/thrift"

	"github.com/mumuhhh/gosasl/sasl"
)

// TSaslClientTransport authenticates a client session over tp when opened.
type TSaslClientTransport struct {
	saslTransport
}

func NewClientTransport(tp thrift.TTransport, session *sasl.Session) *TSaslClientTransport {
	t := &TSaslClientTransport{saslTransport: newSaslTransport(tp)}
	t.session = session
	return t
}

func (t *TSaslClientTransport) handleSaslStartMessage() (bool, error) {
	initialResponse, more, err := t.session.Step(nil)
	if err != nil {
		return false, t.fail(err)
	}

	if err := t.sendSaslMessage(START, []byte(t.session.Mechanism())); err != nil {
		return false, err
	}
	status := COMPLETE
	if more {
		status = OK
	}
	// Send initial response
	if err := t.sendSaslMessage(status, initialResponse); err != nil {
		return false, err
	}
	return more, nil
}

func (t *TSaslClientTransport) Open() (err error) {
	if t.opened {
		return ErrOpen.New("SASL transport already open")
	}

	if !t.tp.IsOpen() {
		if err = t.tp.Open(); err != nil {
			return err
		}
	}

	// Negotiate a SASL mechanism. The client also sends its
	// initial response, or an empty one.
	more, err := t.handleSaslStartMessage()
	if err != nil {
		return err
	}

	for {
		status, payload, err := t.receiveSaslMessage()
		if err != nil {
			return err
		}
		if status != OK && status != COMPLETE {
			return t.fail(ErrProtocol.New("expected COMPLETE or OK, got %s", statusName(status)))
		}

		if status == COMPLETE {
			if more {
				// the server's last message carries its final data
				out, stillMore, err := t.session.Step(payload)
				if err != nil {
					return err
				}
				if stillMore || len(out) > 0 {
					return ErrProtocol.New("server completed before the client")
				}
			}
			break
		}

		if !more {
			return t.fail(ErrProtocol.New("server sent OK after the client completed"))
		}
		out, stillMore, err := t.session.Step(payload)
		if err != nil {
			return t.fail(err)
		}
		more = stillMore

		next := COMPLETE
		if more {
			next = OK
		}
		if err := t.sendSaslMessage(next, out); err != nil {
			return err
		}
	}

	t.established()
	return nil
}

func (t *TSaslClientTransport) Close() error {
	return t.tp.Close()
}

var _ thrift.TTransport = (*TSaslClientTransport)(nil)
