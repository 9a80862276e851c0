package auth

import (
	"strings"
	"testing"
)

const rfc2617Challenge = `Digest realm="testrealm@host.com", qop="auth,auth-int", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`

// TestAuthorizationRFC2617Vector checks the computed response against the
// worked example from RFC 2617 section 3.5.
func TestAuthorizationRFC2617Vector(t *testing.T) {
	d := NewDigestState("Mufasa", "Circle Of Life")
	d.newCnonce = func() string { return "0a4f113b" }

	if !d.UpdateFromHeader(rfc2617Challenge) {
		t.Fatal("UpdateFromHeader rejected a valid challenge")
	}

	header, ok := d.Authorization("GET", "/dir/index.html")
	if !ok {
		t.Fatal("Authorization returned no header despite challenge")
	}

	for _, want := range []string{
		`response="6629fae49393a05397450978507c4ef1"`,
		`username="Mufasa"`,
		`realm="testrealm@host.com"`,
		`nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093"`,
		`uri="/dir/index.html"`,
		`opaque="5ccc069c403ebaf9f0171e9517f40e41"`,
		"nc=00000001",
		"qop=auth",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %s\ngot: %s", want, header)
		}
	}
}

// TestNonceCountIncrements verifies the nc value rolls forward per request
// and resets when a new challenge arrives.
func TestNonceCountIncrements(t *testing.T) {
	d := NewDigestState("admin", "secret")
	d.newCnonce = func() string { return "deadbeef" }

	if !d.UpdateFromHeader(rfc2617Challenge) {
		t.Fatal("UpdateFromHeader rejected a valid challenge")
	}

	first, _ := d.Authorization("GET", "/a")
	second, _ := d.Authorization("GET", "/a")
	if !strings.Contains(first, "nc=00000001") {
		t.Errorf("first request nc wrong: %s", first)
	}
	if !strings.Contains(second, "nc=00000002") {
		t.Errorf("second request nc wrong: %s", second)
	}

	d.UpdateFromHeader(rfc2617Challenge)
	third, _ := d.Authorization("GET", "/a")
	if !strings.Contains(third, "nc=00000001") {
		t.Errorf("nc not reset after new challenge: %s", third)
	}
}

func TestUpdateFromHeaderRejectsGarbage(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"basic", `Basic realm="device"`},
		{"missing nonce", `Digest realm="device"`},
		{"missing realm", `Digest nonce="abc"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDigestState("u", "p")
			if d.UpdateFromHeader(tc.header) {
				t.Errorf("accepted invalid header %q", tc.header)
			}
			if _, ok := d.Authorization("GET", "/"); ok {
				t.Error("Authorization produced a header with no challenge")
			}
		})
	}
}

func TestUnquotedChallengeValues(t *testing.T) {
	d := NewDigestState("u", "p")
	if !d.UpdateFromHeader(`Digest realm="device", nonce=abc123, qop=auth`) {
		t.Fatal("rejected challenge with unquoted values")
	}
	header, ok := d.Authorization("GET", "/")
	if !ok {
		t.Fatal("no header produced")
	}
	if !strings.Contains(header, `nonce="abc123"`) {
		t.Errorf("unquoted nonce not carried through: %s", header)
	}
}
