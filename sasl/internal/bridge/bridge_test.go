package bridge

import (
	"errors"
	"testing"

	gosasl "github.com/emersion/go-sasl"

	"github.com/mumuhhh/gosasl/sasl"
)

func TestServerStep(t *testing.T) {
	srv := gosasl.NewPlainServer(func(identity, username, password string) error {
		if username != "tim" || password != "tanstaaftanstaaf" {
			return errors.New("invalid credentials")
		}
		return nil
	})

	out, more, err := ServerStep(srv, []byte("\x00tim\x00tanstaaftanstaaf"))
	if err != nil {
		t.Fatal(err)
	}
	if more || len(out) != 0 {
		t.Errorf("unexpected continuation %q %v", out, more)
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		err  error
		code sasl.Code
	}{
		{gosasl.ErrUnexpectedClientResponse, sasl.CodeMechanismCalledTooManyTimes},
		{errors.New("sasl: invalid response"), sasl.CodeMalformedMessage},
		{sasl.Fail(sasl.CodeNoPassword), sasl.CodeNoPassword},
	}

	for _, tt := range tests {
		if code := sasl.CodeOf(Error(tt.err)); code != tt.code {
			t.Errorf("%v: got %v, want %v", tt.err, code, tt.code)
		}
	}

	if Error(nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestServer_EmptyFirstMessage(t *testing.T) {
	plain := &Server{Server: gosasl.NewPlainServer(func(string, string, string) error { return nil })}
	challenge, more, err := plain.Step([]byte{})
	if err != nil || !more || len(challenge) != 0 {
		t.Fatalf("an empty first PLAIN message should ask for the response, got %q %v %v", challenge, more, err)
	}
	if _, _, err := plain.Step([]byte{}); sasl.CodeOf(err) != sasl.CodeMalformedMessage {
		t.Errorf("a later empty PLAIN message is malformed, got %v", err)
	}

	var identity *string
	external := &Server{
		Server: gosasl.NewExternalServer(func(id string) error {
			identity = &id
			return nil
		}),
		EmptyResponse: true,
	}
	if _, more, err := external.Step([]byte{}); err != nil || more {
		t.Fatalf("more=%v err=%v", more, err)
	}
	if identity == nil || *identity != "" {
		t.Errorf("expected the empty authorization identity, got %v", identity)
	}
}
