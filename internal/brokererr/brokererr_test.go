package brokererr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfTaggedAndPlainErrors(t *testing.T) {
	base := New(NotFound, "topic missing")
	plain := errors.New("outer: " + base.Error())

	require.Equal(t, NotFound, KindOf(base))
	require.Equal(t, Internal, KindOf(plain), "a plain, non-tagged error defaults to Internal")
}

func TestWrapPreservesCauseAndKind(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Internal, "commit failed", cause)

	require.Equal(t, Internal, err.Kind())
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}

func TestIs(t *testing.T) {
	err := New(ResourceExhausted, "queue full")
	require.True(t, Is(err, ResourceExhausted))
	require.False(t, Is(err, Internal))
}
