package all_test

import (
	"encoding/base64"
	"reflect"
	"testing"

	"github.com/mumuhhh/gosasl/sasl"
	_ "github.com/mumuhhh/gosasl/sasl/all"
	"github.com/mumuhhh/gosasl/sasl/mechtest"
)

func TestRegistered(t *testing.T) {
	want := []string{
		"GSSAPI",
		"SCRAM-SHA-256-PLUS",
		"SCRAM-SHA-256",
		"SCRAM-SHA-1-PLUS",
		"SCRAM-SHA-1",
		"DIGEST-MD5",
		"CRAM-MD5",
		"SECURID",
		"PLAIN",
		"LOGIN",
		"EXTERNAL",
		"ANONYMOUS",
	}
	if got := sasl.Registered(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v", got)
	}
}

func TestSuggestClientMechanism(t *testing.T) {
	ctx := mechtest.NewContext(t)

	tests := []struct {
		offer string
		want  string
		ok    bool
	}{
		{"PLAIN LOGIN", "PLAIN", true},
		{"X-UNKNOWN scram-sha-1 CRAM-MD5", "SCRAM-SHA-1", true},
		{"X-UNKNOWN", "", false},
	}

	for _, tt := range tests {
		got, ok := ctx.SuggestClientMechanism(tt.offer)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%q: got %q %v", tt.offer, got, ok)
		}
	}
}

type props = map[sasl.Property]string

func TestDrive64(t *testing.T) {
	cb := base64.StdEncoding.EncodeToString([]byte("tls-finished"))
	users := mechtest.Users(map[string]string{"alice": "secret"})

	tests := []struct {
		mech      string
		client    props
		server    props
		validator sasl.Validator
		validate  sasl.ValidateFunc
	}{
		{mech: "PLAIN", client: props{sasl.AuthID: "alice", sasl.Password: "secret"}, validator: sasl.ValidateSimple, validate: users},
		{mech: "LOGIN", client: props{sasl.AuthID: "alice", sasl.Password: "secret"}, validator: sasl.ValidateSimple, validate: users},
		{mech: "EXTERNAL", validator: sasl.ValidateExternal, validate: mechtest.Accept()},
		{mech: "ANONYMOUS", client: props{sasl.AnonymousToken: "guest"}, validator: sasl.ValidateAnonymous, validate: mechtest.Accept()},
		{mech: "CRAM-MD5", client: props{sasl.AuthID: "alice", sasl.Password: "secret"}, server: props{sasl.Password: "secret"}},
		{
			mech:   "DIGEST-MD5",
			client: props{sasl.AuthID: "alice", sasl.Password: "secret", sasl.Service: "imap", sasl.Hostname: "mail.example.org"},
			server: props{sasl.Realm: "mail.example.org", sasl.Password: "secret"},
		},
		{mech: "SCRAM-SHA-1", client: props{sasl.AuthID: "alice", sasl.Password: "secret"}, server: props{sasl.Password: "secret", sasl.ScramIter: "1024"}},
		{mech: "SCRAM-SHA-256", client: props{sasl.AuthID: "alice", sasl.Password: "secret"}, server: props{sasl.Password: "secret", sasl.ScramIter: "1024"}},
		{
			mech:   "SCRAM-SHA-1-PLUS",
			client: props{sasl.AuthID: "alice", sasl.Password: "secret", sasl.CBTLSUnique: cb},
			server: props{sasl.Password: "secret", sasl.ScramIter: "1024", sasl.CBTLSUnique: cb},
		},
		{
			mech:   "SCRAM-SHA-256-PLUS",
			client: props{sasl.AuthID: "alice", sasl.Password: "secret", sasl.CBTLSUnique: cb},
			server: props{sasl.Password: "secret", sasl.ScramIter: "1024", sasl.CBTLSUnique: cb},
		},
		{mech: "SECURID", client: props{sasl.AuthID: "alice", sasl.Passcode: "123456"}, validator: sasl.ValidateSecurID, validate: mechtest.Accept()},
	}

	for _, tt := range tests {
		t.Run(tt.mech, func(t *testing.T) {
			client := mechtest.NewContext(t, sasl.WithPropertyCallback(mechtest.Props(tt.client)))

			serverOpts := []sasl.Option{sasl.WithPropertyCallback(mechtest.Props(tt.server))}
			if tt.validate != nil {
				serverOpts = append(serverOpts, sasl.WithValidator(tt.validator, tt.validate))
			}
			server := mechtest.NewContext(t, serverOpts...)

			c, s := mechtest.Start(t, client, server, tt.mech)
			if err := mechtest.Drive64(c, s); err != nil {
				t.Fatal(err)
			}
			if c.State() != sasl.StateComplete || s.State() != sasl.StateComplete {
				t.Errorf("expected both complete, got %s %s", c.State(), s.State())
			}
		})
	}
}
