// Package mechtest drives client and server sessions against each other in tests.
package mechtest

import (
	"fmt"
	"testing"

	"github.com/mumuhhh/gosasl/sasl"
)

const maxRounds = 16

// NewContext initializes a Context that is shut down when the test ends.
func NewContext(t testing.TB, opts ...sasl.Option) *sasl.Context {
	t.Helper()

	ctx, err := sasl.Initialize(opts...)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { ctx.Shutdown() })

	return ctx
}

// Props answers property requests from a fixed table and declines the rest.
func Props(values map[sasl.Property]string) sasl.PropertyFunc {
	return func(_ *sasl.Session, p sasl.Property) (string, bool) {
		v, ok := values[p]
		return v, ok
	}
}

// Users approves sessions whose authentication identity and password match db.
func Users(db map[string]string) sasl.ValidateFunc {
	return func(s *sasl.Session) bool {
		user, _ := s.PropertyFast(sasl.AuthID)
		pass, _ := s.PropertyFast(sasl.Password)
		want, ok := db[user]
		return ok && want == pass
	}
}

// Accept approves every session.
func Accept() sasl.ValidateFunc {
	return func(*sasl.Session) bool { return true }
}

// Reject rejects every session.
func Reject() sasl.ValidateFunc {
	return func(*sasl.Session) bool { return false }
}

// Start opens a client session on client and a server session on server for mech.
func Start(t testing.TB, client, server *sasl.Context, mech string) (*sasl.Session, *sasl.Session) {
	t.Helper()

	c, err := client.StartClientSession(mech)
	if err != nil {
		t.Fatalf("start client %s: %v", mech, err)
	}
	s, err := server.StartServerSession(mech)
	if err != nil {
		t.Fatalf("start server %s: %v", mech, err)
	}

	return c, s
}

// Drive alternates raw steps, client first, until neither side asks for more.
func Drive(client, server *sasl.Session) error {
	var msg []byte
	clientMore, serverMore := true, true

	for round := 0; round < maxRounds; round++ {
		if !clientMore && !serverMore {
			return nil
		}
		if !clientMore {
			return fmt.Errorf("round %d: server expects more but the client is done", round)
		}

		var err error
		msg, clientMore, err = client.Step(msg)
		if err != nil {
			return fmt.Errorf("round %d: client: %w", round, err)
		}

		if serverMore {
			msg, serverMore, err = server.Step(msg)
			if err != nil {
				return fmt.Errorf("round %d: server: %w", round, err)
			}
		} else if len(msg) > 0 {
			return fmt.Errorf("round %d: client sent %q after the server finished", round, msg)
		}
	}

	return fmt.Errorf("no completion after %d rounds", maxRounds)
}

// Drive64 is Drive over the base64 step interface.
func Drive64(client, server *sasl.Session) error {
	var msg string
	clientMore, serverMore := true, true

	for round := 0; round < maxRounds; round++ {
		if !clientMore && !serverMore {
			return nil
		}
		if !clientMore {
			return fmt.Errorf("round %d: server expects more but the client is done", round)
		}

		var err error
		msg, clientMore, err = client.Step64(msg)
		if err != nil {
			return fmt.Errorf("round %d: client: %w", round, err)
		}

		if serverMore {
			msg, serverMore, err = server.Step64(msg)
			if err != nil {
				return fmt.Errorf("round %d: server: %w", round, err)
			}
		} else if msg != "" {
			return fmt.Errorf("round %d: client sent %q after the server finished", round, msg)
		}
	}

	return fmt.Errorf("no completion after %d rounds", maxRounds)
}
