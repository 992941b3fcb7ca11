package sasl

import (
	"strings"
	"sync"
)

// Context is the registry of enabled mechanisms and the callback handlers shared by its sessions.
//
// Create it once with Initialize and release it once with Shutdown.
type Context struct {
	mechs     []Mechanism // priority order
	callbacks dispatcher
	logger    *switchLogger

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	shutdown bool
}

type options struct {
	logger     Logger
	logging    bool
	enabled    []string
	extra      []Mechanism
	property   PropertyFunc
	validators map[Validator]ValidateFunc
}

// Option configures a Context.
type Option func(*options)

// WithLogger sets the logger and enables logging.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
		o.logging = true
	}
}

// WithMechanisms restricts the Context to the named mechanisms.
func WithMechanisms(names ...string) Option {
	return func(o *options) {
		o.enabled = append(o.enabled, names...)
	}
}

// WithMechanism adds a mechanism, replacing a registered one of the same name.
func WithMechanism(m Mechanism) Option {
	return func(o *options) {
		o.extra = append(o.extra, m)
	}
}

// WithPropertyCallback registers the property handler.
func WithPropertyCallback(fn PropertyFunc) Option {
	return func(o *options) {
		o.property = fn
	}
}

// WithValidator registers the handler of v.
func WithValidator(v Validator, fn ValidateFunc) Option {
	return func(o *options) {
		if o.validators == nil {
			o.validators = make(map[Validator]ValidateFunc)
		}
		o.validators[v] = fn
	}
}

// Initialize builds a Context from the registered mechanisms.
//
// ErrInitialization is returned if no mechanism is available.
func Initialize(opts ...Option) (*Context, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = defaultLogger()
	}
	logger := newSwitchLogger(o.logger, o.logging)

	byName := make(map[string]Mechanism)
	for _, m := range registered() {
		byName[m.Name] = m
	}
	for _, m := range o.extra {
		m.Name = strings.ToUpper(m.Name)
		if m.Name == "" || (m.NewClient == nil && m.NewServer == nil) {
			return nil, ErrInitialization.New("invalid mechanism descriptor %q", m.Name)
		}
		byName[m.Name] = m
	}

	if len(o.enabled) > 0 {
		enabled := make(map[string]Mechanism)
		for _, name := range candidates(strings.Join(o.enabled, " ")) {
			m, ok := byName[name]
			if !ok {
				logger.Warnf("mechanism %s is not available, ignoring it", name)
				continue
			}
			enabled[name] = m
		}
		byName = enabled
	}

	if len(byName) == 0 {
		return nil, ErrInitialization.New("no SASL mechanisms available")
	}

	mechs := make([]Mechanism, 0, len(byName))
	for _, m := range byName {
		mechs = append(mechs, m)
	}
	sortMechanisms(mechs)

	c := &Context{
		mechs:    mechs,
		logger:   logger,
		sessions: make(map[uint64]*Session),
	}

	c.callbacks.property = o.property
	for v, fn := range o.validators {
		if v.Valid() {
			c.callbacks.validators[v] = fn
		}
	}

	c.logger.Infof("SASL context initialized with %s", strings.Join(c.Mechanisms(), " "))
	return c, nil
}

// Shutdown releases every live session. It must be called once.
func (c *Context) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrInvalidState.New("context already shut down")
	}

	c.shutdown = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.release()
	}

	c.logger.Infof("SASL context shut down, %d sessions released", len(sessions))
	return nil
}

// Mechanisms returns the enabled mechanism names, most preferred first.
func (c *Context) Mechanisms() []string {
	names := make([]string, len(c.mechs))
	for i, m := range c.mechs {
		names[i] = m.Name
	}
	return names
}

// ClientMechanisms returns the enabled mechanisms that have a client codec.
func (c *Context) ClientMechanisms() []string {
	return c.supported(RoleClient)
}

// ServerMechanisms returns the enabled mechanisms that have a server codec.
func (c *Context) ServerMechanisms() []string {
	return c.supported(RoleServer)
}

// OnProperty registers the property handler, replacing the previous one.
// Handlers should be registered before sessions are started.
func (c *Context) OnProperty(fn PropertyFunc) {
	c.callbacks.setProperty(fn)
}

// OnValidate registers the handler of v, replacing the previous one.
func (c *Context) OnValidate(v Validator, fn ValidateFunc) error {
	if !v.Valid() {
		return ErrInvalidState.New("unknown validator %d", v)
	}

	c.callbacks.setValidator(v, fn)
	return nil
}

// EnableLogger turns logging on.
func (c *Context) EnableLogger() {
	c.logger.enable.Store(true)
}

// DisableLogger turns logging off.
func (c *Context) DisableLogger() {
	c.logger.enable.Store(false)
}

// SuggestClientMechanism returns the mechanism StartClientSession would pick from list.
func (c *Context) SuggestClientMechanism(list string) (string, bool) {
	m, ok := c.selectClient(list)
	return m.Name, ok
}

// StartClientSession starts a client session with the first mechanism of list the Context supports.
func (c *Context) StartClientSession(list string) (*Session, error) {
	m, ok := c.selectClient(list)
	if !ok {
		return nil, c.unknownMechanism(RoleClient, list)
	}

	return c.start(RoleClient, m)
}

// StartServerSession starts a server session with the most preferred enabled mechanism of list.
func (c *Context) StartServerSession(list string) (*Session, error) {
	m, ok := c.selectServer(list)
	if !ok {
		return nil, c.unknownMechanism(RoleServer, list)
	}

	return c.start(RoleServer, m)
}

// LiveSessions returns the number of sessions started and not yet released.
func (c *Context) LiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// The client honours the caller's order
func (c *Context) selectClient(list string) (Mechanism, bool) {
	for _, name := range candidates(list) {
		for _, m := range c.mechs {
			if m.Name == name && m.supports(RoleClient) {
				return m, true
			}
		}
	}

	return Mechanism{}, false
}

// The server honours the registry order
func (c *Context) selectServer(list string) (Mechanism, bool) {
	wanted := make(map[string]bool)
	for _, name := range candidates(list) {
		wanted[name] = true
	}

	for _, m := range c.mechs {
		if wanted[m.Name] && m.supports(RoleServer) {
			return m, true
		}
	}

	return Mechanism{}, false
}

func (c *Context) start(role Role, m Mechanism) (*Session, error) {
	if c.isShutdown() {
		return nil, ErrInvalidState.New("context was shut down")
	}

	codec, err := m.newCodec(role)
	if err != nil {
		return nil, ErrMechanism.Wrap(err, "unable to start the %s %s codec", m.Name, role).WithProperty(propertyCode, CodeMechanismError)
	}

	s := &Session{
		ctx:   c,
		role:  role,
		mech:  m,
		codec: codec,
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		codec.Finish()
		return nil, ErrInvalidState.New("context was shut down")
	}
	c.nextID++
	s.id = c.nextID
	c.sessions[s.id] = s
	c.mu.Unlock()

	c.logger.Infof("session %d: %s started with %s", s.id, role, m.Name)
	return s, nil
}

func (c *Context) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.id)
}

func (c *Context) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Context) supported(role Role) []string {
	var names []string
	for _, m := range c.mechs {
		if m.supports(role) {
			names = append(names, m.Name)
		}
	}
	return names
}

func (c *Context) unknownMechanism(role Role, list string) error {
	c.logger.Warnf("no %s mechanism in %q matches %s", role, list, strings.Join(c.supported(role), " "))

	return ErrUnknownMechanism.New("no usable mechanism in %q", list).WithProperty(propertyCode, CodeUnknownMechanism)
}
