// Package binding exposes sasl sessions through opaque handles and completion
// callbacks, for hosts that cannot hold Go pointers or block on a step.
package binding

import (
	"sync"

	"github.com/google/uuid"
	"github.com/joomcode/errorx"

	"github.com/mumuhhh/gosasl/sasl"
)

// PropertyEvent is the event name of the property handler.
const PropertyEvent = "property"

type Handle string

type StepResult struct {
	Err    error
	Output string
	More   bool
}

type entry struct {
	session *sasl.Session

	mu       sync.Mutex
	busy     bool
	released bool
}

// done ends the outstanding step, releasing the session if Release came meanwhile.
func (e *entry) done() {
	e.mu.Lock()
	e.busy = false
	released := e.released
	e.mu.Unlock()

	if released {
		e.session.Release()
	}
}

// Host owns a sasl.Context and the handle table of its sessions.
type Host struct {
	ctx *sasl.Context

	mu       sync.RWMutex
	sessions map[Handle]*entry
	handles  map[uint64]Handle
	closed   bool

	steps sync.WaitGroup
}

func New(opts ...sasl.Option) (*Host, error) {
	ctx, err := sasl.Initialize(opts...)
	if err != nil {
		return nil, err
	}

	return &Host{
		ctx:      ctx,
		sessions: make(map[Handle]*entry),
		handles:  make(map[uint64]Handle),
	}, nil
}

// Context returns the underlying engine context.
func (h *Host) Context() *sasl.Context {
	return h.ctx
}

// Close waits for outstanding steps, then shuts the context down.
// Steps requested afterwards fail with sasl.ErrInvalidState.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return sasl.ErrInvalidState.New("host already closed")
	}
	h.closed = true
	h.mu.Unlock()

	h.steps.Wait()

	h.mu.Lock()
	h.sessions = make(map[Handle]*entry)
	h.handles = make(map[uint64]Handle)
	h.mu.Unlock()

	return h.ctx.Shutdown()
}

func (h *Host) StartClientSession(list string, done func(err error, handle Handle)) {
	s, err := h.ctx.StartClientSession(list)
	h.started(s, err, done)
}

func (h *Host) StartServerSession(list string, done func(err error, handle Handle)) {
	s, err := h.ctx.StartServerSession(list)
	h.started(s, err, done)
}

func (h *Host) started(s *sasl.Session, err error, done func(error, Handle)) {
	if err != nil {
		done(err, "")
		return
	}

	handle := Handle(uuid.NewString())
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Release()
		done(errClosed(), "")
		return
	}
	h.sessions[handle] = &entry{session: s}
	h.handles[s.ID()] = handle
	h.mu.Unlock()

	done(nil, handle)
}

func (h *Host) lookup(handle Handle) (*entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.sessions[handle]
	return e, ok
}

func (h *Host) handleOf(s *sasl.Session) Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.handles[s.ID()]
}

// Step runs one base64 step in the background; the channel receives exactly one result.
func (h *Host) Step(handle Handle, input string) <-chan StepResult {
	result := make(chan StepResult, 1)
	h.run(handle, input, func(r StepResult) { result <- r })
	return result
}

// StepCallback is Step delivering the result to done.
// A step that cannot start is reported before StepCallback returns.
func (h *Host) StepCallback(handle Handle, input string, done func(err error, output string, more bool)) {
	h.run(handle, input, func(r StepResult) { done(r.Err, r.Output, r.More) })
}

func (h *Host) run(handle Handle, input string, deliver func(StepResult)) {
	e, err := h.acquire(handle)
	if err != nil {
		deliver(StepResult{Err: err})
		return
	}

	go func() {
		defer h.steps.Done()

		out, more, err := e.session.Step64(input)
		e.done()
		deliver(StepResult{Err: err, Output: out, More: more})
	}()
}

// acquire marks the entry of handle busy and registers the step with the host.
func (h *Host) acquire(handle Handle) (*entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errClosed()
	}
	e, ok := h.sessions[handle]
	if !ok {
		return nil, unknownHandle(handle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return nil, sasl.ErrInvalidState.New("handle %s: a step is already outstanding", handle)
	}
	e.busy = true

	h.steps.Add(1)
	return e, nil
}

func (h *Host) Get(handle Handle, name string) (string, bool) {
	e, ok := h.lookup(handle)
	if !ok {
		return "", false
	}
	return e.session.Get(name)
}

func (h *Host) Set(handle Handle, name, value string) error {
	e, ok := h.lookup(handle)
	if !ok {
		return unknownHandle(handle)
	}
	return e.session.Set(name, value)
}

func (h *Host) Mechanism(handle Handle) (string, bool) {
	return h.Get(handle, sasl.MechanismProperty)
}

// EnumerateProperties lists "mechanism" and the properties holding a value.
func (h *Host) EnumerateProperties(handle Handle) []string {
	e, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return e.session.KnownProperties()
}

// On registers the handler of event, replacing the previous one.
//
// The "property" event takes func(name string) (string, bool) or
// func(Handle, string) (string, bool). Validator events, named as in
// sasl.ParseValidator, take func(Handle) bool or func(*sasl.Session) bool.
func (h *Host) On(event string, handler any) error {
	if event == PropertyEvent {
		switch fn := handler.(type) {
		case func(string) (string, bool):
			h.ctx.OnProperty(func(_ *sasl.Session, p sasl.Property) (string, bool) {
				return fn(p.String())
			})
		case func(Handle, string) (string, bool):
			h.ctx.OnProperty(func(s *sasl.Session, p sasl.Property) (string, bool) {
				return fn(h.handleOf(s), p.String())
			})
		default:
			return errorx.IllegalArgument.New("unsupported %s handler %T", event, handler)
		}
		return nil
	}

	v, ok := sasl.ParseValidator(event)
	if !ok {
		return errorx.IllegalArgument.New("unknown event %q", event)
	}

	switch fn := handler.(type) {
	case func(Handle) bool:
		return h.ctx.OnValidate(v, func(s *sasl.Session) bool {
			return fn(h.handleOf(s))
		})
	case func(*sasl.Session) bool:
		return h.ctx.OnValidate(v, fn)
	}
	return errorx.IllegalArgument.New("unsupported %s handler %T", event, handler)
}

// Release forgets handle and releases its session. Unknown handles are ignored.
// The session of a handle with an outstanding step is released when the step ends.
func (h *Host) Release(handle Handle) {
	h.mu.Lock()
	e, ok := h.sessions[handle]
	if ok {
		delete(h.sessions, handle)
		delete(h.handles, e.session.ID())
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.released = true
	busy := e.busy
	e.mu.Unlock()

	if !busy {
		e.session.Release()
	}
}

// Len returns the number of live handles.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions)
}

func errClosed() error {
	return sasl.ErrInvalidState.New("host is closed")
}

func unknownHandle(handle Handle) error {
	return sasl.ErrInvalidState.New("unknown handle %q", handle)
}
