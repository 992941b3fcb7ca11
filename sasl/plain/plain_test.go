package saslplain_test

import (
	"testing"

	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
	"github.com/mumuhhh/gosasl/sasl/mechtest"
	saslplain "github.com/mumuhhh/gosasl/sasl/plain"
)

func contexts(t *testing.T, pass string) (*sasl.Context, *sasl.Context) {
	client := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthID:   "alice",
		sasl.Password: pass,
	})))
	server := mechtest.NewContext(t, sasl.WithValidator(sasl.ValidateSimple, mechtest.Users(map[string]string{
		"alice": "secret",
	})))
	return client, server
}

func TestPlain(t *testing.T) {
	client, server := contexts(t, "secret")
	c, s := mechtest.Start(t, client, server, "PLAIN")

	if err := mechtest.Drive(c, s); err != nil {
		t.Fatal(err)
	}

	for _, sess := range []*sasl.Session{c, s} {
		if sess.State() != sasl.StateComplete {
			t.Errorf("%s: expected complete, got %s", sess.Role(), sess.State())
		}
		if m, _ := sess.Get(sasl.MechanismProperty); m != "PLAIN" {
			t.Errorf("%s: unexpected mechanism %s", sess.Role(), m)
		}
	}

	if user, _ := s.PropertyFast(sasl.AuthID); user != "alice" {
		t.Errorf("server should record the user, got %q", user)
	}
	if _, ok := s.PropertyFast(sasl.AuthzID); ok {
		t.Error("no authorization identity was sent")
	}
}

func TestPlain_WrongPassword(t *testing.T) {
	client, server := contexts(t, "wrong")
	c, s := mechtest.Start(t, client, server, "PLAIN")

	out, more, err := c.Step(nil)
	if err != nil || more {
		t.Fatalf("client: %v %v", more, err)
	}

	reply, more, err := s.Step(out)
	if !errorx.IsOfType(err, sasl.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if more || reply != nil {
		t.Errorf("a failed step must not continue, got %q %v", reply, more)
	}
	if s.State() != sasl.StateFailed {
		t.Errorf("expected failed, got %s", s.State())
	}
}

func TestPlain_Wire(t *testing.T) {
	client := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthzID:  "admin",
		sasl.AuthID:   "alice",
		sasl.Password: "secret",
	})))

	c, err := client.StartClientSession("PLAIN")
	if err != nil {
		t.Fatal(err)
	}
	out, _, err := c.Step(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "admin\x00alice\x00secret" {
		t.Errorf("unexpected initial response %q", out)
	}

	again := saslplain.NewPlainClient()
	if _, _, err := again.Step(c, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := again.Step(c, nil); sasl.CodeOf(err) != sasl.CodeMechanismCalledTooManyTimes {
		t.Errorf("expected %v, got %v", sasl.CodeMechanismCalledTooManyTimes, err)
	}
}

func TestPlain_NoPassword(t *testing.T) {
	client := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
		sasl.AuthID: "alice",
	})))

	c, _ := client.StartClientSession("PLAIN")
	if _, _, err := c.Step(nil); sasl.CodeOf(err) != sasl.CodeNoPassword {
		t.Errorf("expected %v, got %v", sasl.CodeNoPassword, err)
	}
}

func TestPlainServer_NoInitialResponse(t *testing.T) {
	server := mechtest.NewContext(t, sasl.WithValidator(sasl.ValidateSimple, mechtest.Accept()))

	s, _ := server.StartServerSession("PLAIN")
	challenge, more, err := s.Step(nil)
	if err != nil || !more || len(challenge) != 0 {
		t.Fatalf("expected an empty challenge, got %q %v %v", challenge, more, err)
	}

	if _, _, err := s.Step([]byte("alice")); sasl.CodeOf(err) != sasl.CodeMalformedMessage {
		t.Errorf("expected %v, got %v", sasl.CodeMalformedMessage, err)
	}
}
