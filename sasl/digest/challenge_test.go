package sasldigest

import (
	"reflect"
	"testing"
)

func TestParseDirectives(t *testing.T) {
	tests := []struct {
		in   string
		want []directive
		err  bool
	}{
		{in: `ax="vcx,fgfdg"`, want: []directive{{"ax", "vcx,fgfdg"}}},
		{in: ` a=1 ,, B = "x\"y" ,c=`, want: []directive{{"a", "1"}, {"b", `x"y`}, {"c", ""}}},
		{in: `rspauth=ea40f60335c427b5527b84dbabcdfffd`, want: []directive{{"rspauth", "ea40f60335c427b5527b84dbabcdfffd"}}},
		{in: ``},
		{in: `novalue`, err: true},
		{in: `a="unterminated`, err: true},
		{in: `a="x"junk`, err: true},
	}

	for _, tt := range tests {
		got, err := parseDirectives([]byte(tt.in))
		if (err != nil) != tt.err {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%q: got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseChallenge(t *testing.T) {
	// RFC 2831 section 4
	c, err := ParseChallenge([]byte(`realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess,charset=utf-8`))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c.Realms, []string{"elwood.innosoft.com"}) || c.Nonce != "OA6MG9tEQGm2hh" ||
		!reflect.DeepEqual(c.Qop, []string{"auth"}) || c.Charset != "utf-8" || c.MaxBuf != 65536 {
		t.Errorf("unexpected challenge %+v", c)
	}

	again, err := ParseChallenge([]byte(c.String()))
	if err != nil || !reflect.DeepEqual(again, c) {
		t.Errorf("formatted challenge does not parse back: %+v %v", again, err)
	}

	for _, bad := range []string{
		`qop="auth",algorithm=md5-sess`,
		`nonce="x",algorithm=md5`,
		`nonce="x",nonce="y",algorithm=md5-sess`,
		`nonce="x",algorithm=md5-sess,maxbuf=0`,
	} {
		if _, err := ParseChallenge([]byte(bad)); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}

	c, _ = ParseChallenge([]byte(`nonce="x",algorithm=md5-sess`))
	if !c.offers(qopAuth) {
		t.Error("a challenge without qop offers auth")
	}
}

func TestParseResponse(t *testing.T) {
	r, err := ParseResponse([]byte(`charset=utf-8,username="chris",realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",nc=00000001,cnonce="OA6MHXh6VqTrRk",digest-uri="imap/elwood.innosoft.com",response=d388dad90d4bbd760a152321f2143af7,qop=auth`))
	if err != nil {
		t.Fatal(err)
	}
	if r.Username != "chris" || r.DigestURI != "imap/elwood.innosoft.com" || r.Qop != qopAuth || r.NC != nonceCount {
		t.Errorf("unexpected response %+v", r)
	}

	again, err := ParseResponse([]byte(r.String()))
	if err != nil || !reflect.DeepEqual(again, r) {
		t.Errorf("formatted response does not parse back: %+v %v", again, err)
	}

	if _, err := ParseResponse([]byte(`username="chris",nonce="x"`)); err == nil {
		t.Error("expected an error for a truncated response")
	}
}
