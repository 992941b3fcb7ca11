// Package thriftsasl carries SASL negotiation and the negotiated security layer
// over Thrift transports, using the framing of the Thrift SASL transport.
package thriftsasl

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
)

const (
	START    byte = 1
	OK       byte = 2
	BAD      byte = 3
	ERROR    byte = 4
	COMPLETE byte = 5
)

const maxPayload = 104857600

var (
	ErrThriftSASL = errorx.NewNamespace("thrift_sasl")

	ErrProtocol = ErrThriftSASL.NewType("protocol")     // unexpected status or payload
	ErrRejected = ErrThriftSASL.NewType("rejected")     // the peer answered BAD or ERROR
	ErrNotOpen  = ErrThriftSASL.NewType("not_open")     // data exchanged before negotiation
	ErrOpen     = ErrThriftSASL.NewType("already_open") // Open called twice
)

func statusName(status byte) string {
	switch status {
	case START:
		return "START"
	case OK:
		return "OK"
	case BAD:
		return "BAD"
	case ERROR:
		return "ERROR"
	case COMPLETE:
		return "COMPLETE"
	}
	return "unknown"
}

// saslTransport holds what client and server transports share: the message
// framing during negotiation and the data framing once a session is complete.
type saslTransport struct {
	tp      thrift.TTransport
	session *sasl.Session

	writeBuffer *bytes.Buffer
	readBuffer  *bytes.Buffer
	ctx         context.Context

	shouldWrap bool
	opened     bool
}

func newSaslTransport(tp thrift.TTransport) saslTransport {
	return saslTransport{
		tp:          tp,
		ctx:         context.Background(),
		writeBuffer: new(bytes.Buffer),
		readBuffer:  new(bytes.Buffer),
	}
}

// sendSaslMessage sends status code, data length and message body
func (t *saslTransport) sendSaslMessage(status byte, body []byte) error {
	data := make([]byte, len(body)+5)
	data[0] = status
	binary.BigEndian.PutUint32(data[1:], uint32(len(body)))
	copy(data[5:], body)

	if _, err := t.tp.Write(data); err != nil {
		return err
	}
	return t.tp.Flush(t.ctx)
}

// receiveSaslMessage reads one negotiation message.
func (t *saslTransport) receiveSaslMessage() (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(t.tp, header); err != nil {
		return 0, nil, err
	}

	status := header[0]
	payloadBytes := binary.BigEndian.Uint32(header[1:])
	if payloadBytes > maxPayload {
		err := ErrProtocol.New("invalid payload header length: %d", payloadBytes)
		_ = t.sendSaslMessage(ERROR, []byte(err.Message()))
		return 0, nil, err
	}

	payload := make([]byte, payloadBytes)
	if _, err := io.ReadFull(t.tp, payload); err != nil {
		return 0, nil, err
	}

	if status == BAD || status == ERROR {
		return status, payload, ErrRejected.New("peer sent %s: %s", statusName(status), payload)
	}
	return status, payload, nil
}

// fail reports err to the peer, BAD for authentication failures and ERROR otherwise.
func (t *saslTransport) fail(err error) error {
	status := ERROR
	if errorx.IsOfType(err, sasl.ErrMechanism) {
		status = BAD
	}
	_ = t.sendSaslMessage(status, []byte(err.Error()))
	return err
}

func (t *saslTransport) established() {
	t.opened = true
	if qop, _ := t.session.PropertyFast(sasl.QOP); qop != sasl.QopAuthentication {
		t.shouldWrap = true
	}
}

// readFrame reads a frame of data into local buffer, which means first read data's length, then reads actual data.
func (t *saslTransport) readFrame() error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(t.tp, header); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxPayload {
		return ErrProtocol.New("invalid frame length: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(t.tp, data); err != nil {
		return err
	}
	if t.shouldWrap {
		var err error
		if data, err = t.session.Decode(data); err != nil {
			return err
		}
	}
	_, err := t.readBuffer.Write(data)
	return err
}

func (t *saslTransport) Read(p []byte) (n int, err error) {
	if !t.opened {
		return 0, ErrNotOpen.New("SASL negotiation not complete")
	}
	n, err = t.readBuffer.Read(p)
	if n > 0 {
		return n, err
	}
	if err := t.readFrame(); err != nil {
		return 0, err
	}
	return t.readBuffer.Read(p)
}

func (t *saslTransport) Write(p []byte) (n int, err error) {
	return t.writeBuffer.Write(p)
}

func (t *saslTransport) Flush(ctx context.Context) (err error) {
	if !t.opened {
		return ErrNotOpen.New("SASL negotiation not complete")
	}

	buf := t.writeBuffer.Bytes()
	if t.shouldWrap {
		if buf, err = t.session.Encode(buf); err != nil {
			return err
		}
	}

	frame := make([]byte, len(buf)+4)
	binary.BigEndian.PutUint32(frame, uint32(len(buf)))
	copy(frame[4:], buf)

	if _, err = t.tp.Write(frame); err != nil {
		return err
	}
	t.writeBuffer.Reset()
	return t.tp.Flush(ctx)
}

func (t *saslTransport) RemainingBytes() (numBytes uint64) {
	return uint64(t.readBuffer.Len())
}

func (t *saslTransport) IsOpen() bool {
	return t.opened && t.tp.IsOpen()
}
