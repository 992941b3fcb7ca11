package thriftsasl_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
	_ "github.com/mumuhhh/gosasl/sasl/all"
	"github.com/mumuhhh/gosasl/sasl/mechtest"
	"github.com/mumuhhh/gosasl/thriftsasl"
)

// pipeTransport is a TTransport over one end of net.Pipe.
type pipeTransport struct {
	net.Conn
}

func (p pipeTransport) Open() error                 { return nil }
func (p pipeTransport) IsOpen() bool                { return true }
func (p pipeTransport) Flush(context.Context) error { return nil }
func (p pipeTransport) RemainingBytes() uint64      { return ^uint64(0) }

func pipe(t *testing.T) (pipeTransport, pipeTransport) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return pipeTransport{a}, pipeTransport{b}
}

// open runs both handshakes and returns their errors.
func open(client *thriftsasl.TSaslClientTransport, server *thriftsasl.TSaslServerTransport) (clientErr, serverErr error) {
	done := make(chan error, 1)
	go func() { done <- client.Open() }()
	serverErr = server.Open()
	return <-done, serverErr
}

func plainContexts(t *testing.T, pass string) (*sasl.Context, *sasl.Context) {
	client := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthID:   "alice",
		sasl.Password: pass,
	})))
	server := mechtest.NewContext(t, sasl.WithValidator(sasl.ValidateSimple, mechtest.Users(map[string]string{
		"alice": "secret",
	})))
	return client, server
}

// exchange writes msg through from and reads it back from to.
func exchange(t *testing.T, from, to thrift.TTransport, msg string) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		if _, err := from.Write([]byte(msg)); err != nil {
			done <- err
			return
		}
		done <- from.Flush(context.Background())
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(to, got); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if string(got) != msg {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestPlain(t *testing.T) {
	clientCtx, serverCtx := plainContexts(t, "secret")
	sess, err := clientCtx.StartClientSession("PLAIN")
	if err != nil {
		t.Fatal(err)
	}

	a, b := pipe(t)
	client := thriftsasl.NewClientTransport(a, sess)
	server := thriftsasl.NewServerTransport(b, serverCtx)

	if cerr, serr := open(client, server); cerr != nil || serr != nil {
		t.Fatalf("open: client %v, server %v", cerr, serr)
	}
	if !client.IsOpen() || !server.IsOpen() {
		t.Fatal("transports should be open")
	}
	if user, _ := server.Session().PropertyFast(sasl.AuthID); user != "alice" {
		t.Errorf("server recorded %q", user)
	}

	exchange(t, client, server, "openSession")
	exchange(t, server, client, "sessionHandle")

	if err := client.Open(); !errorx.IsOfType(err, thriftsasl.ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestPlain_Rejected(t *testing.T) {
	clientCtx, serverCtx := plainContexts(t, "wrong")
	sess, _ := clientCtx.StartClientSession("PLAIN")

	a, b := pipe(t)
	client := thriftsasl.NewClientTransport(a, sess)
	server := thriftsasl.NewServerTransport(b, serverCtx)

	cerr, serr := open(client, server)
	if !errorx.IsOfType(serr, sasl.ErrValidationFailed) {
		t.Errorf("server: expected ErrValidationFailed, got %v", serr)
	}
	if !errorx.IsOfType(cerr, thriftsasl.ErrRejected) {
		t.Errorf("client: expected ErrRejected, got %v", cerr)
	}
	if client.IsOpen() {
		t.Error("client transport should stay closed")
	}
}

func TestUnknownMechanism(t *testing.T) {
	clientCtx := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthID:   "alice",
		sasl.Password: "secret",
	})))
	serverCtx := mechtest.NewContext(t, sasl.WithMechanisms("PLAIN"))
	sess, err := clientCtx.StartClientSession("CRAM-MD5")
	if err != nil {
		t.Fatal(err)
	}

	a, b := pipe(t)
	cerr, serr := open(thriftsasl.NewClientTransport(a, sess), thriftsasl.NewServerTransport(b, serverCtx))
	if !errorx.IsOfType(serr, sasl.ErrUnknownMechanism) {
		t.Errorf("server: expected ErrUnknownMechanism, got %v", serr)
	}
	if !errorx.IsOfType(cerr, thriftsasl.ErrRejected) {
		t.Errorf("client: expected ErrRejected, got %v", cerr)
	}
}

func TestDigestMD5_Privacy(t *testing.T) {
	clientCtx := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthID:   "hive",
		sasl.Password: "secret",
		sasl.Service:  "hive",
		sasl.Hostname: "hs2.example.com",
		sasl.QOP:      sasl.QopPrivacy,
	})))
	serverCtx := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.Hostname: "hs2.example.com",
		sasl.QOPs:     "auth,auth-int,auth-conf",
		sasl.Password: "secret",
	})))
	sess, err := clientCtx.StartClientSession("DIGEST-MD5")
	if err != nil {
		t.Fatal(err)
	}

	a, b := pipe(t)
	client := thriftsasl.NewClientTransport(a, sess)
	server := thriftsasl.NewServerTransport(b, serverCtx)
	if cerr, serr := open(client, server); cerr != nil || serr != nil {
		t.Fatalf("open: client %v, server %v", cerr, serr)
	}
	if qop, _ := server.Session().PropertyFast(sasl.QOP); qop != sasl.QopPrivacy {
		t.Fatalf("server negotiated %q", qop)
	}

	exchange(t, client, server, "ExecuteStatement")
	exchange(t, server, client, "FetchResults")
}

func TestSCRAM_ServerFinalOnComplete(t *testing.T) {
	clientCtx := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthID:   "alice",
		sasl.Password: "secret",
	})))
	serverCtx := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.Password:  "secret",
		sasl.ScramIter: "1024",
	})))
	sess, err := clientCtx.StartClientSession("SCRAM-SHA-256")
	if err != nil {
		t.Fatal(err)
	}

	a, b := pipe(t)
	client := thriftsasl.NewClientTransport(a, sess)
	if cerr, serr := open(client, thriftsasl.NewServerTransport(b, serverCtx)); cerr != nil || serr != nil {
		t.Fatalf("open: client %v, server %v", cerr, serr)
	}
	if sess.State() != sasl.StateComplete {
		t.Errorf("client session should have verified the server signature, state %s", sess.State())
	}
}

func TestClient_OversizedPayload(t *testing.T) {
	clientCtx, _ := plainContexts(t, "secret")
	sess, _ := clientCtx.StartClientSession("PLAIN")

	a, b := pipe(t)
	go func() {
		// START and the initial response
		for i := 0; i < 2; i++ {
			header := make([]byte, 5)
			if _, err := io.ReadFull(b, header); err != nil {
				return
			}
			if _, err := io.CopyN(io.Discard, b, int64(binary.BigEndian.Uint32(header[1:]))); err != nil {
				return
			}
		}
		header := []byte{thriftsasl.COMPLETE, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(header[1:], 100<<20+1)
		if _, err := b.Write(header); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, b)
	}()

	err := thriftsasl.NewClientTransport(a, sess).Open()
	if !errorx.IsOfType(err, thriftsasl.ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestServerTransportFactory(t *testing.T) {
	clientCtx, serverCtx := plainContexts(t, "secret")
	sess, _ := clientCtx.StartClientSession("PLAIN")

	a, b := pipe(t)
	done := make(chan error, 1)
	go func() { done <- thriftsasl.NewClientTransport(a, sess).Open() }()

	tp, err := thriftsasl.NewServerTransportFactory(serverCtx).GetTransport(b)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !tp.IsOpen() {
		t.Error("factory transport should be open")
	}
}

func TestRead_BeforeOpen(t *testing.T) {
	_, serverCtx := plainContexts(t, "secret")
	a, _ := pipe(t)

	if _, err := thriftsasl.NewServerTransport(a, serverCtx).Read(make([]byte, 1)); !errorx.IsOfType(err, thriftsasl.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}
