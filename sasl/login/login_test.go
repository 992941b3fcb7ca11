package sasllogin_test

import (
	"testing"

	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
	_ "github.com/mumuhhh/gosasl/sasl/login"
	"github.com/mumuhhh/gosasl/sasl/mechtest"
)

func TestLogin(t *testing.T) {
	tests := []struct {
		name  string
		pass  string
		valid bool
	}{
		{"accepted", "secret", true},
		{"rejected", "hunter2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(map[sasl.Property]string{
				sasl.AuthID:   "alice",
				sasl.Password: tt.pass,
			})))
			server := mechtest.NewContext(t, sasl.WithValidator(sasl.ValidateSimple, mechtest.Users(map[string]string{
				"alice": "secret",
			})))

			c, s := mechtest.Start(t, client, server, "LOGIN")
			err := mechtest.Drive64(c, s)

			if tt.valid {
				if err != nil {
					t.Fatal(err)
				}
				if s.State() != sasl.StateComplete || c.State() != sasl.StateComplete {
					t.Errorf("expected both complete, got %s %s", c.State(), s.State())
				}
				return
			}

			if err == nil {
				t.Fatal("expected the exchange to fail")
			}
			if !errorx.IsOfType(s.Err(), sasl.ErrValidationFailed) {
				t.Errorf("expected ErrValidationFailed, got %v", s.Err())
			}
		})
	}
}

func TestLoginServer_Prompts(t *testing.T) {
	server := mechtest.NewContext(t, sasl.WithValidator(sasl.ValidateSimple, mechtest.Accept()))
	s, _ := server.StartServerSession("LOGIN")

	steps := []struct {
		input   string
		noInput bool
		want    string
		more    bool
	}{
		{noInput: true, want: "Username:", more: true},
		{input: "bob", want: "Password:", more: true},
		{input: "pw", want: "", more: false},
	}

	for i, step := range steps {
		var in []byte
		if !step.noInput {
			in = []byte(step.input)
		}
		out, more, err := s.Step(in)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if string(out) != step.want || more != step.more {
			t.Errorf("step %d: got %q %v", i, out, more)
		}
	}

	if user, _ := s.PropertyFast(sasl.AuthID); user != "bob" {
		t.Errorf("unexpected user %q", user)
	}
	if pass, _ := s.PropertyFast(sasl.Password); pass != "pw" {
		t.Errorf("unexpected password %q", pass)
	}
}

func TestLoginServer_InitialResponse(t *testing.T) {
	var seen string
	server := mechtest.NewContext(t, sasl.WithValidator(sasl.ValidateSimple, func(s *sasl.Session) bool {
		seen, _ = s.PropertyFast(sasl.AuthID)
		return true
	}))
	s, _ := server.StartServerSession("LOGIN")

	out, more, err := s.Step([]byte("carol"))
	if err != nil || !more || string(out) != "Password:" {
		t.Fatalf("got %q %v %v", out, more, err)
	}
	if _, more, err = s.Step([]byte("pw")); err != nil || more {
		t.Fatalf("more=%v err=%v", more, err)
	}
	if seen != "carol" {
		t.Errorf("validator saw %q", seen)
	}
	if _, _, err := s.Step([]byte("again")); !errorx.IsOfType(err, sasl.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after completion, got %v", err)
	}
}
