package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMessageIDIsUniqueAndVersion7(t *testing.T) {
	a, err := NewMessageID()
	require.NoError(t, err)
	b, err := NewMessageID()
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Equal(t, byte(0x70), a[6]&0xf0, "version nibble must mark UUIDv7")
}

func TestParseMessageIDRoundTrips(t *testing.T) {
	id, err := NewMessageID()
	require.NoError(t, err)

	parsed, err := ParseMessageID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}
