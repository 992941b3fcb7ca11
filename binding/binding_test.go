package binding_test

import (
	"sync/atomic"
	"testing"

	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/binding"
	"github.com/mumuhhh/gosasl/sasl"
	_ "github.com/mumuhhh/gosasl/sasl/external"
	_ "github.com/mumuhhh/gosasl/sasl/plain"
)

func newHost(t *testing.T) *binding.Host {
	t.Helper()

	h, err := binding.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func start(t *testing.T, h *binding.Host, client bool, list string) binding.Handle {
	t.Helper()

	var handle binding.Handle
	var startErr error
	done := func(err error, hd binding.Handle) {
		startErr, handle = err, hd
	}
	if client {
		h.StartClientSession(list, done)
	} else {
		h.StartServerSession(list, done)
	}
	if startErr != nil {
		t.Fatal(startErr)
	}
	return handle
}

// hosts returns a client host answering alice/pass and a server host knowing alice/secret.
func hosts(t *testing.T, pass string) (*binding.Host, *binding.Host) {
	client := newHost(t)
	err := client.On("property", func(name string) (string, bool) {
		switch name {
		case "authId":
			return "alice", true
		case "password":
			return pass, true
		}
		return "", false
	})
	if err != nil {
		t.Fatal(err)
	}

	server := newHost(t)
	err = server.On("validateSimple", func(h binding.Handle) bool {
		user, _ := server.Get(h, "authId")
		password, _ := server.Get(h, "password")
		return user == "alice" && password == "secret"
	})
	if err != nil {
		t.Fatal(err)
	}

	return client, server
}

func TestPlain(t *testing.T) {
	client, server := hosts(t, "secret")
	c := start(t, client, true, "PLAIN")
	s := start(t, server, false, "PLAIN")

	r := <-client.Step(c, "")
	if r.Err != nil || r.More {
		t.Fatalf("client: %+v", r)
	}

	done := make(chan binding.StepResult, 1)
	server.StepCallback(s, r.Output, func(err error, output string, more bool) {
		done <- binding.StepResult{Err: err, Output: output, More: more}
	})
	if r := <-done; r.Err != nil || r.More {
		t.Fatalf("server: %+v", r)
	}

	for _, side := range []struct {
		host   *binding.Host
		handle binding.Handle
	}{{client, c}, {server, s}} {
		if m, ok := side.host.Mechanism(side.handle); !ok || m != "PLAIN" {
			t.Errorf("unexpected mechanism %q %v", m, ok)
		}
	}

	props := server.EnumerateProperties(s)
	if len(props) < 3 || props[0] != "mechanism" || props[1] != "authId" || props[2] != "password" {
		t.Errorf("unexpected properties %v", props)
	}
}

func TestExternal_EmptyResponse(t *testing.T) {
	client := newHost(t)
	server := newHost(t)
	if err := server.On("validateExternal", func(binding.Handle) bool { return true }); err != nil {
		t.Fatal(err)
	}
	c := start(t, client, true, "EXTERNAL")
	s := start(t, server, false, "EXTERNAL")

	r := <-client.Step(c, "")
	if r.Err != nil || r.More || r.Output != "" {
		t.Fatalf("client: %+v", r)
	}
	if r = <-server.Step(s, r.Output); r.Err != nil || r.More {
		t.Fatalf("server should complete on the empty response: %+v", r)
	}
}

func TestPlain_WrongPassword(t *testing.T) {
	client, server := hosts(t, "wrong")
	c := start(t, client, true, "PLAIN")
	s := start(t, server, false, "PLAIN")

	r := <-client.Step(c, "")
	if r.Err != nil {
		t.Fatal(r.Err)
	}

	r = <-server.Step(s, r.Output)
	if !errorx.IsOfType(r.Err, sasl.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", r.Err)
	}
	if r.More || r.Output != "" {
		t.Errorf("a failed step returns no continuation: %+v", r)
	}

	r = <-server.Step(s, "")
	if !errorx.IsOfType(r.Err, sasl.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after failure, got %v", r.Err)
	}
}

func TestStep_Outstanding(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	h := newHost(t)
	_ = h.On("property", func(_ binding.Handle, name string) (string, bool) {
		if name == "authId" {
			close(entered)
			<-release
			return "alice", true
		}
		return "secret", true
	})
	handle := start(t, h, true, "PLAIN")

	first := h.Step(handle, "")
	<-entered

	if r := <-h.Step(handle, ""); !errorx.IsOfType(r.Err, sasl.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for a second step, got %v", r.Err)
	}

	close(release)
	if r := <-first; r.Err != nil {
		t.Fatal(r.Err)
	}
}

func TestHandles(t *testing.T) {
	h := newHost(t)

	var startErr error
	h.StartClientSession("X-UNKNOWN", func(err error, _ binding.Handle) { startErr = err })
	if !errorx.IsOfType(startErr, sasl.ErrUnknownMechanism) {
		t.Errorf("expected ErrUnknownMechanism, got %v", startErr)
	}

	handle := start(t, h, true, "PLAIN")
	if err := h.Set(handle, "authzId", "admin"); err != nil {
		t.Fatal(err)
	}
	if v, ok := h.Get(handle, "authzId"); !ok || v != "admin" {
		t.Errorf("got %q %v", v, ok)
	}
	if err := h.Set(handle, "mechanism", "LOGIN"); err == nil {
		t.Error("mechanism must be read-only")
	}

	h.Release(handle)
	h.Release(handle)
	if h.Len() != 0 {
		t.Errorf("%d handles left", h.Len())
	}
	if _, ok := h.Get(handle, "authzId"); ok {
		t.Error("released handle still resolves")
	}
	if r := <-h.Step(handle, ""); !errorx.IsOfType(r.Err, sasl.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", r.Err)
	}
}

func TestOn_Errors(t *testing.T) {
	h := newHost(t)

	tests := []struct {
		event   string
		handler any
	}{
		{"validateSimple", func(string) bool { return true }},
		{"property", func(string) string { return "" }},
		{"validateEverything", func(binding.Handle) bool { return true }},
	}

	for _, tt := range tests {
		if err := h.On(tt.event, tt.handler); !errorx.IsOfType(err, errorx.IllegalArgument) {
			t.Errorf("%s %T: expected IllegalArgument, got %v", tt.event, tt.handler, err)
		}
	}

	if err := h.On("validateSecurID", func(*sasl.Session) bool { return true }); err != nil {
		t.Error(err)
	}
}

// gateCodec blocks its single step until release is closed.
type gateCodec struct {
	entered, release, finished chan struct{}

	stepping atomic.Bool
	overlap  atomic.Bool
}

func newGateCodec() *gateCodec {
	return &gateCodec{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (g *gateCodec) Step(sasl.Accessor, []byte) ([]byte, bool, error) {
	g.stepping.Store(true)
	close(g.entered)
	<-g.release
	g.stepping.Store(false)
	return []byte("done"), false, nil
}

func (g *gateCodec) Finish() {
	if g.stepping.Load() {
		g.overlap.Store(true)
	}
	close(g.finished)
}

func gateHost(t *testing.T, g *gateCodec) *binding.Host {
	t.Helper()

	h, err := binding.New(sasl.WithMechanism(sasl.Mechanism{
		Name:      "X-GATE",
		NewClient: func() (sasl.Codec, error) { return g, nil },
	}))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestRelease_DuringStep(t *testing.T) {
	g := newGateCodec()
	h := gateHost(t, g)
	t.Cleanup(func() { h.Close() })
	handle := start(t, h, true, "X-GATE")

	result := h.Step(handle, "")
	<-g.entered

	h.Release(handle)
	if h.Len() != 0 {
		t.Errorf("%d handles left", h.Len())
	}
	select {
	case <-g.finished:
		t.Fatal("the codec was finished while its step was running")
	default:
	}

	close(g.release)
	if r := <-result; r.Err != nil || r.More {
		t.Fatalf("unexpected result %+v", r)
	}
	<-g.finished
	if g.overlap.Load() {
		t.Error("Finish ran concurrently with Step")
	}
}

func TestClose(t *testing.T) {
	g := newGateCodec()
	h := gateHost(t, g)
	handle := start(t, h, true, "X-GATE")

	result := h.Step(handle, "")
	<-g.entered

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()

	close(g.release)
	if r := <-result; r.Err != nil {
		t.Fatal(r.Err)
	}
	if err := <-closed; err != nil {
		t.Fatal(err)
	}

	if r := <-h.Step(handle, ""); !errorx.IsOfType(r.Err, sasl.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after Close, got %v", r.Err)
	}

	var called bool
	h.StepCallback(handle, "", func(err error, _ string, _ bool) {
		called = errorx.IsOfType(err, sasl.ErrInvalidState)
	})
	if !called {
		t.Error("StepCallback after Close should report ErrInvalidState")
	}

	if err := h.Close(); !errorx.IsOfType(err, sasl.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for a second Close, got %v", err)
	}
}
