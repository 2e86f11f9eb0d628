// Package deviceid parses client device identifiers.
//
// A device identifier is a 32 character hexadecimal hardware fingerprint,
// optionally followed by "-" and a 1 to 60 character alphanumeric suffix the
// client assigns once it supports per-instance disambiguation. The bare form
// is Unsigned; the suffixed form is Signed.
package deviceid

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMalformed = errors.New("malformed device identifier")
	ErrUnsigned  = errors.New("device identifier is not signed")
)

var pattern = regexp.MustCompile(`^([0-9A-Fa-f]{32})(?:-([A-Za-z0-9]{1,60}))?$`)

// Kind tags the identifier variant.
type Kind int

const (
	Unsigned Kind = iota
	Signed
)

func (k Kind) String() string {
	if k == Signed {
		return "signed"
	}
	return "unsigned"
}

// ID is a parsed device identifier. The zero value is not valid; use Parse.
type ID struct {
	kind   Kind
	raw    string
	suffix string
}

// Parse validates s and returns its variant.
func Parse(s string) (ID, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return ID{}, ErrMalformed
	}
	if m[2] == "" {
		return ID{kind: Unsigned, raw: m[1]}, nil
	}
	return ID{kind: Signed, raw: m[1], suffix: m[2]}, nil
}

// ParseSigned is Parse restricted to the signed form.
func ParseSigned(s string) (ID, error) {
	id, err := Parse(s)
	if err != nil {
		return ID{}, err
	}
	if !id.IsSigned() {
		return ID{}, ErrUnsigned
	}
	return id, nil
}

// Valid reports whether s parses.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

func (id ID) Kind() Kind { return id.kind }
func (id ID) IsSigned() bool { return id.kind == Signed }
func (id ID) Raw() string { return id.raw }
func (id ID) Suffix() string { return id.suffix }
func (id ID) IsZero() bool { return id.raw == "" }
func (id ID) Root() ID { return ID{kind: Unsigned, raw: id.raw} }

// String returns the combined form: raw, or raw-suffix when signed.
func (id ID) String() string {
	if id.kind == Signed {
		return id.raw + "-" + id.suffix
	}
	return id.raw
}

// Version is a dotted four part client version such as "1.4.1.2".
type Version [4]int

// ParseVersion reads up to four dotted numeric parts. Missing parts are zero.
// ok is false when any part is not a number or the string is empty.
func ParseVersion(s string) (v Version, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return v, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return v, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, false
		}
		v[i] = n
	}
	return v, true
}

// CompareVersion compares client version s with want. Unparsable versions
// compare lower than anything.
func CompareVersion(s string, want Version) int {
	v, ok := ParseVersion(s)
	if !ok {
		return -1
	}
	for i := range v {
		switch {
		case v[i] < want[i]:
			return -1
		case v[i] > want[i]:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether client version s is >= want.
func AtLeast(s string, want Version) bool {
	return CompareVersion(s, want) >= 0
}
