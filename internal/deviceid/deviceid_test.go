package deviceid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const raw = "0123456789abcdef0123456789ABCDEF"

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		kind   Kind
		suffix string
		err    error
	}{
		{"unsigned", raw, Unsigned, "", nil},
		{"signed", raw + "-Desk01", Signed, "Desk01", nil},
		{"max suffix", raw + "-" + strings.Repeat("a", 60), Signed, strings.Repeat("a", 60), nil},
		{"suffix too long", raw + "-" + strings.Repeat("a", 61), 0, "", ErrMalformed},
		{"empty suffix", raw + "-", 0, "", ErrMalformed},
		{"short", raw[:31], 0, "", ErrMalformed},
		{"non hex", "g" + raw[1:], 0, "", ErrMalformed},
		{"suffix punctuation", raw + "-a_b", 0, "", ErrMalformed},
		{"empty", "", 0, "", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.False(t, Valid(tt.in))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, id.Kind())
			assert.Equal(t, raw, id.Raw())
			assert.Equal(t, tt.suffix, id.Suffix())
			assert.Equal(t, tt.in, id.String())
		})
	}
}

func TestRoot(t *testing.T) {
	id, err := Parse(raw + "-Laptop")
	require.NoError(t, err)

	root := id.Root()
	assert.False(t, root.IsSigned())
	assert.Equal(t, raw, root.String())
}

func TestParseSigned(t *testing.T) {
	_, err := ParseSigned(raw)
	assert.ErrorIs(t, err, ErrUnsigned)

	_, err = ParseSigned("nope")
	assert.ErrorIs(t, err, ErrMalformed)

	id, err := ParseSigned(raw + "-X")
	require.NoError(t, err)
	assert.True(t, id.IsSigned())
}

func TestCompareVersion(t *testing.T) {
	tests := []struct {
		v    string
		want Version
		cmp  int
	}{
		{"1.4.1.2", Version{1, 4, 1, 2}, 0},
		{"1.4.1.3", Version{1, 4, 1, 2}, 1},
		{"1.4.1", Version{1, 4, 1, 2}, -1},
		{"1.4.1", Version{1, 4, 1, 0}, 0},
		{"1.10", Version{1, 4, 1, 0}, 1},
		{"", Version{1, 0, 0, 0}, -1},
		{"beta", Version{0, 0, 0, 0}, -1},
		{"1.2.3.4.5", Version{1, 2, 3, 4}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.cmp, CompareVersion(tt.v, tt.want), "CompareVersion(%q, %v)", tt.v, tt.want)
	}
	assert.True(t, AtLeast("1.4.1.1", Version{1, 4, 1, 1}))
	assert.False(t, AtLeast("1.4.0.9", Version{1, 4, 1, 1}))
}
