package saslscram

import (
	"errors"
	"fmt"
	"strings"
)

var errAttribute = errors.New("malformed SCRAM attribute")

type attribute struct {
	key   byte
	value string
}

// parseAttributes splits "k=v,k=v" where every key is a single letter.
func parseAttributes(msg string) ([]attribute, error) {
	var out []attribute
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' || !isAlpha(part[0]) {
			return nil, fmt.Errorf("%w: %q", errAttribute, part)
		}
		out = append(out, attribute{key: part[0], value: part[2:]})
	}
	return out, nil
}

func isAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// expect returns the values of the leading attributes, which must carry the given keys in order.
func expect(attrs []attribute, keys string) ([]string, error) {
	if len(attrs) < len(keys) {
		return nil, fmt.Errorf("%w: want %d attributes, got %d", errAttribute, len(keys), len(attrs))
	}

	values := make([]string, len(keys))
	for i := 0; i < len(keys); i++ {
		if attrs[i].key != keys[i] {
			return nil, fmt.Errorf("%w: want %c, got %c", errAttribute, keys[i], attrs[i].key)
		}
		values[i] = attrs[i].value
	}
	return values, nil
}

var nameEscaper = strings.NewReplacer("=", "=3D", ",", "=2C")

// escapeName encodes a saslname, RFC 5802 section 5.1.
func escapeName(s string) string {
	return nameEscaper.Replace(s)
}

func unescapeName(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ',':
			return "", fmt.Errorf("%w: bare comma in name", errAttribute)

		case '=':
			switch {
			case strings.HasPrefix(s[i:], "=3D"):
				b.WriteByte('=')
			case strings.HasPrefix(s[i:], "=2C"):
				b.WriteByte(',')
			default:
				return "", fmt.Errorf("%w: bad escape in name", errAttribute)
			}
			i += 2

		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

// gs2Header is the channel binding flag and authorization identity prefix.
type gs2Header struct {
	flag    string // "n", "y" or "p=tls-unique"
	authzID string
}

func (g gs2Header) String() string {
	a := ""
	if g.authzID != "" {
		a = "a=" + escapeName(g.authzID)
	}
	return g.flag + "," + a + ","
}

// parseClientFirst splits client-first-message into its GS2 header and bare part.
func parseClientFirst(msg string) (gs2Header, string, error) {
	parts := strings.SplitN(msg, ",", 3)
	if len(parts) != 3 {
		return gs2Header{}, "", fmt.Errorf("%w: no GS2 header", errAttribute)
	}

	var g gs2Header
	switch {
	case parts[0] == "n", parts[0] == "y":
		g.flag = parts[0]
	case strings.HasPrefix(parts[0], "p="):
		if parts[0] != "p="+channelBindingType {
			return gs2Header{}, "", fmt.Errorf("unsupported channel binding %q", parts[0][2:])
		}
		g.flag = parts[0]
	default:
		return gs2Header{}, "", fmt.Errorf("%w: bad channel binding flag %q", errAttribute, parts[0])
	}

	if parts[1] != "" {
		if !strings.HasPrefix(parts[1], "a=") {
			return gs2Header{}, "", fmt.Errorf("%w: bad authzid %q", errAttribute, parts[1])
		}
		authz, err := unescapeName(parts[1][2:])
		if err != nil {
			return gs2Header{}, "", err
		}
		g.authzID = authz
	}

	return g, parts[2], nil
}
