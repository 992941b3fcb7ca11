package sasldigest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxChallengeLen = 2048
	maxResponseLen  = 4096
)

var errDirective = errors.New("malformed directive list")

type directive struct {
	name  string
	value string
}

// parseDirectives splits an RFC 2831 #list of name=value pairs. Names are lower-cased.
func parseDirectives(data []byte) ([]directive, error) {
	var out []directive
	s := string(data)

	for {
		s = strings.TrimLeft(s, " \t\r\n,")
		if s == "" {
			return out, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, errDirective
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		if name == "" || strings.ContainsAny(name, " \t\",") {
			return nil, errDirective
		}
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i, closed := 1, false
			for ; i < len(s); i++ {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					i++
					b.WriteByte(s[i])
					continue
				}
				if c == '"' {
					closed = true
					break
				}
				b.WriteByte(c)
			}
			if !closed {
				return nil, errDirective
			}
			value = b.String()
			s = strings.TrimLeft(s[i+1:], " \t")
			if s != "" && s[0] != ',' {
				return nil, errDirective
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		out = append(out, directive{name: name, value: value})
	}
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Challenge is the server's digest-challenge.
type Challenge struct {
	Realms    []string
	Nonce     string
	Qop       []string
	Charset   string
	Algorithm string
	Cipher    []string
	MaxBuf    int
}

// ParseChallenge decodes a digest-challenge, applying the RFC 2831 defaults.
func ParseChallenge(data []byte) (*Challenge, error) {
	if len(data) > maxChallengeLen {
		return nil, fmt.Errorf("digest-challenge too long: %d bytes", len(data))
	}

	directives, err := parseDirectives(data)
	if err != nil {
		return nil, err
	}

	c := &Challenge{MaxBuf: 65536}
	seen := make(map[string]bool)
	for _, d := range directives {
		if seen[d.name] && d.name != "realm" {
			return nil, fmt.Errorf("duplicate %s directive", d.name)
		}
		seen[d.name] = true

		switch d.name {
		case "realm":
			c.Realms = append(c.Realms, d.value)
		case "nonce":
			c.Nonce = d.value
		case "qop":
			c.Qop = splitList(d.value)
		case "charset":
			c.Charset = d.value
		case "algorithm":
			c.Algorithm = d.value
		case "cipher":
			c.Cipher = splitList(d.value)
		case "maxbuf":
			if c.MaxBuf, err = strconv.Atoi(d.value); err != nil || c.MaxBuf <= 0 {
				return nil, fmt.Errorf("bad maxbuf %q", d.value)
			}
		}
	}

	if c.Nonce == "" {
		return nil, errors.New("digest-challenge without nonce")
	}
	if c.Algorithm != "md5-sess" {
		return nil, fmt.Errorf("unsupported algorithm %q", c.Algorithm)
	}
	if len(c.Qop) == 0 {
		c.Qop = []string{qopAuth}
	}

	return c, nil
}

func (c *Challenge) offers(qop string) bool {
	for _, q := range c.Qop {
		if q == qop {
			return true
		}
	}
	return false
}

func (c *Challenge) String() string {
	var parts []string
	for _, r := range c.Realms {
		parts = append(parts, "realm="+quote(r))
	}
	parts = append(parts, "nonce="+quote(c.Nonce), "qop="+quote(strings.Join(c.Qop, ",")))
	if len(c.Cipher) > 0 {
		parts = append(parts, "cipher="+quote(strings.Join(c.Cipher, ",")))
	}
	if c.MaxBuf > 0 && c.MaxBuf != 65536 {
		parts = append(parts, "maxbuf="+strconv.Itoa(c.MaxBuf))
	}
	if c.Charset != "" {
		parts = append(parts, "charset="+c.Charset)
	}
	parts = append(parts, "algorithm="+c.Algorithm)

	return strings.Join(parts, ",")
}

// Response is the client's digest-response.
type Response struct {
	Username  string
	Realm     string
	Nonce     string
	CNonce    string
	NC        string
	Qop       string
	DigestURI string
	Response  string
	Charset   string
	Cipher    string
	AuthzID   string
}

// ParseResponse decodes a digest-response.
func ParseResponse(data []byte) (*Response, error) {
	if len(data) > maxResponseLen {
		return nil, fmt.Errorf("digest-response too long: %d bytes", len(data))
	}

	directives, err := parseDirectives(data)
	if err != nil {
		return nil, err
	}

	r := &Response{}
	seen := make(map[string]bool)
	for _, d := range directives {
		if seen[d.name] {
			return nil, fmt.Errorf("duplicate %s directive", d.name)
		}
		seen[d.name] = true

		switch d.name {
		case "username":
			r.Username = d.value
		case "realm":
			r.Realm = d.value
		case "nonce":
			r.Nonce = d.value
		case "cnonce":
			r.CNonce = d.value
		case "nc":
			r.NC = strings.ToLower(d.value)
		case "qop":
			r.Qop = d.value
		case "digest-uri":
			r.DigestURI = d.value
		case "response":
			r.Response = strings.ToLower(d.value)
		case "charset":
			r.Charset = d.value
		case "cipher":
			r.Cipher = d.value
		case "authzid":
			r.AuthzID = d.value
		}
	}

	for name, v := range map[string]string{
		"username": r.Username, "nonce": r.Nonce, "cnonce": r.CNonce,
		"nc": r.NC, "digest-uri": r.DigestURI, "response": r.Response,
	} {
		if v == "" {
			return nil, fmt.Errorf("digest-response without %s", name)
		}
	}
	if r.Qop == "" {
		r.Qop = qopAuth
	}

	return r, nil
}

func (r *Response) String() string {
	parts := []string{"username=" + quote(r.Username)}
	if r.Realm != "" {
		parts = append(parts, "realm="+quote(r.Realm))
	}
	parts = append(parts,
		"nonce="+quote(r.Nonce),
		"cnonce="+quote(r.CNonce),
		"nc="+r.NC,
		"qop="+r.Qop,
		"digest-uri="+quote(r.DigestURI),
		"response="+r.Response,
	)
	if r.Charset != "" {
		parts = append(parts, "charset="+r.Charset)
	}
	if r.Cipher != "" {
		parts = append(parts, "cipher="+r.Cipher)
	}
	if r.AuthzID != "" {
		parts = append(parts, "authzid="+quote(r.AuthzID))
	}

	return strings.Join(parts, ",")
}
