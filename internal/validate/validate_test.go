package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
)

func testLimits() Limits {
	return Limits{MaxPayloadBytes: 8, MaxAttributes: 2, MaxAttrKVBytes: 4, MaxTopicNameLen: 5}
}

func TestTopicBoundaries(t *testing.T) {
	lim := testLimits()

	require.NoError(t, Topic("a", lim))            // length 1, accepted
	require.NoError(t, Topic("abcde", lim))         // at max, accepted
	require.Error(t, Topic("", lim))                // empty rejected
	require.Error(t, Topic("abcdef", lim))          // max+1 rejected
	require.Error(t, Topic("has space", lim))       // whitespace rejected

	var invalidArg *brokererr.Error
	err := Topic("", lim)
	require.ErrorAs(t, err, &invalidArg)
	require.Equal(t, brokererr.InvalidArgument, invalidArg.Kind())
}

func TestPublishPayloadBoundaries(t *testing.T) {
	lim := testLimits()

	require.NoError(t, Publish([]byte{}, nil, lim))                     // empty payload accepted
	require.NoError(t, Publish(make([]byte, 8), nil, lim))              // at max accepted
	require.Error(t, Publish(make([]byte, 9), nil, lim))                // max+1 rejected
}

func TestPublishAttributeBoundaries(t *testing.T) {
	lim := testLimits()

	require.NoError(t, Publish(nil, map[string]string{}, lim))
	require.NoError(t, Publish(nil, map[string]string{"a": "1", "b": "2"}, lim)) // at max entries
	require.Error(t, Publish(nil, map[string]string{"a": "1", "b": "2", "c": "3"}, lim))

	require.Error(t, Publish(nil, map[string]string{strings.Repeat("k", 5): "v"}, lim))
	require.Error(t, Publish(nil, map[string]string{"k": strings.Repeat("v", 5)}, lim))
	require.NoError(t, Publish(nil, map[string]string{"k": strings.Repeat("v", 4)}, lim))
}
