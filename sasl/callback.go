package sasl

import (
	"sync"
)

// Validator names the decision a server mechanism asks the application to take.
type Validator uint8

const (
	ValidateSimple    Validator = iota // authentication identity and password
	ValidateExternal                   // identity established outside of SASL
	ValidateAnonymous                  // anonymous trace token
	ValidateGSSAPI                     // Kerberos principal accepted through GSSAPI
	ValidateSecurID                    // SecurID passcode and PIN

	numValidators = int(ValidateSecurID) + 1
)

var validatorNames = [numValidators]string{
	ValidateSimple:    "validateSimple",
	ValidateExternal:  "validateExternal",
	ValidateAnonymous: "validateAnonymous",
	ValidateGSSAPI:    "validateGSSAPI",
	ValidateSecurID:   "validateSecurID",
}

func (v Validator) Valid() bool {
	return int(v) < numValidators
}

// String returns the event name of v.
func (v Validator) String() string {
	if !v.Valid() {
		return "unknown validator"
	}
	return validatorNames[v]
}

// ParseValidator maps an event name to its Validator.
func ParseValidator(name string) (Validator, bool) {
	for i, n := range validatorNames {
		if n == name {
			return Validator(i), true
		}
	}
	return 0, false
}

// PropertyFunc supplies a property a mechanism asked for. Returning false declines.
type PropertyFunc func(s *Session, p Property) (string, bool)

// ValidateFunc approves (true) or rejects an authentication attempt.
type ValidateFunc func(s *Session) bool

// dispatcher holds the single active handler set of a Context.
type dispatcher struct {
	mu         sync.RWMutex
	property   PropertyFunc
	validators [numValidators]ValidateFunc
}

func (d *dispatcher) setProperty(fn PropertyFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.property = fn
}

func (d *dispatcher) setValidator(v Validator, fn ValidateFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validators[v] = fn
}

func (d *dispatcher) propertyHandler() PropertyFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.property
}

func (d *dispatcher) validatorHandler(v Validator) ValidateFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.validators[v]
}

// resolve asks the application for p. A panicking handler fails the step.
func (d *dispatcher) resolve(s *Session, p Property) (value string, ok bool, err error) {
	fn := d.propertyHandler()
	if fn == nil {
		return "", false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			value, ok = "", false
			err = Failf(CodeMechanismError, "property callback for %s panicked: %v", p, r)
		}
	}()

	value, ok = fn(s, p)
	return value, ok, nil
}

// validate runs the handler of v. Missing handlers reject.
func (d *dispatcher) validate(s *Session, v Validator) (registered, approved bool, err error) {
	fn := d.validatorHandler(v)
	if fn == nil {
		return false, false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			approved = false
			err = Failf(CodeMechanismError, "%s callback panicked: %v", v, r)
		}
	}()

	registered = true
	approved = fn(s)
	return registered, approved, nil
}
