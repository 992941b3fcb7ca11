package sasl

// Property identifies a piece of credential material a mechanism may ask for.
//
// The set is closed and ordered; the order is the one KnownProperties reports.
type Property uint8

const (
	AuthID Property = iota + 1
	AuthzID
	Password
	AnonymousToken
	Service
	Hostname
	DisplayName
	Passcode
	SuggestedPIN
	PIN
	Realm
	MD5HashedPassword
	QOPs
	QOP
	ScramIter
	ScramSalt
	ScramSaltedPassword
	CBTLSUnique
)

const numProperties = int(CBTLSUnique) + 1

// MechanismProperty is the read-only pseudo-property holding the mechanism name.
const MechanismProperty = "mechanism"

var propertyNames = [numProperties]string{
	AuthID:              "authId",
	AuthzID:             "authzId",
	Password:            "password",
	AnonymousToken:      "anonymousToken",
	Service:             "service",
	Hostname:            "hostname",
	DisplayName:         "displayName",
	Passcode:            "passcode",
	SuggestedPIN:        "suggestedPin",
	PIN:                 "pin",
	Realm:               "realm",
	MD5HashedPassword:   "md5HashedPassword",
	QOPs:                "qops",
	QOP:                 "qop",
	ScramIter:           "scramIter",
	ScramSalt:           "scramSalt",
	ScramSaltedPassword: "scramSaltedPassword",
	CBTLSUnique:         "cbTlsUnique",
}

// Valid reports whether p belongs to the property set.
func (p Property) Valid() bool {
	return p >= AuthID && p <= CBTLSUnique
}

// String returns the external spelling of p.
func (p Property) String() string {
	if !p.Valid() {
		return "unknown property"
	}
	return propertyNames[p]
}

// ParseProperty maps an external spelling back to its Property.
func ParseProperty(name string) (Property, bool) {
	for p := AuthID; p <= CBTLSUnique; p++ {
		if propertyNames[p] == name {
			return p, true
		}
	}
	return 0, false
}

// Properties returns every property in enumeration order.
func Properties() []Property {
	ps := make([]Property, 0, numProperties-1)
	for p := AuthID; p <= CBTLSUnique; p++ {
		ps = append(ps, p)
	}
	return ps
}

// Quality of protection values stored in the QOP and QOPs properties.
const (
	QopAuthentication = "auth"
	QopIntegrity      = "auth-int"
	QopPrivacy        = "auth-conf"
)

// propertyStore caches the properties of one session.
type propertyStore struct {
	values [numProperties]string
	set    [numProperties]bool
}

func (s *propertyStore) get(p Property) (string, bool) {
	if !p.Valid() || !s.set[p] {
		return "", false
	}
	return s.values[p], true
}

func (s *propertyStore) put(p Property, value string) {
	s.values[p] = value
	s.set[p] = true
}

// known returns the properties holding a non-empty value, in enumeration order
func (s *propertyStore) known() []Property {
	var ps []Property
	for p := AuthID; p <= CBTLSUnique; p++ {
		if s.set[p] && s.values[p] != "" {
			ps = append(ps, p)
		}
	}
	return ps
}
