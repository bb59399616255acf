package uuid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonjbeaumont/mirage-block-volume/uuid"
)

func TestCreateIsWellFormed(t *testing.T) {
	u, err := uuid.Create()
	require.NoError(t, err)
	assert.Len(t, u.Raw(), uuid.Length)

	displayed := u.String()
	assert.Len(t, displayed, uuid.Length+6) // six inserted hyphens
}

func TestCreateIsRandom(t *testing.T) {
	a, err := uuid.Create()
	require.NoError(t, err)
	b, err := uuid.Create()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOfStringRoundTrip(t *testing.T) {
	u, err := uuid.Create()
	require.NoError(t, err)

	parsedFromDisplay, err := uuid.OfString(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, parsedFromDisplay)

	parsedFromRaw, err := uuid.OfString(u.Raw())
	require.NoError(t, err)
	assert.Equal(t, u, parsedFromRaw)
}

func TestOfStringRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"too short", "abc123"},
		{"too long", u32(33)},
		{"bad char", u32(31) + "!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := uuid.OfString(tc.in)
			assert.Error(t, err)
		})
	}
}

func u32(n int) string {
	s := make([]byte, n)
	for i := range s {
		s[i] = 'a'
	}
	return string(s)
}
