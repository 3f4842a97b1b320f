package broker

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
	"github.com/heisenbergs-uncertainty/sluice/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:            t.TempDir(),
		MaxBatchSize:       512,
		MaxBatchLingerMs:   2,
		WriteQueueCapacity: 256,
		ReadPoolSize:       4,
		MaxPayloadBytes:    1 << 20,
		MaxAttributes:      64,
		MaxAttrKVBytes:     1024,
		MaxTopicNameLen:    255,
		ReadChunkSize:      64,
		CreditCap:          1<<31 - 1,
	}
}

func openTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := Open(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishAutoCreatesTopic(t *testing.T) {
	b := openTestBroker(t)
	res, err := b.Publish(context.Background(), "orders", nil, []byte("p1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Sequence)

	topics := b.ListTopics()
	require.Len(t, topics, 1)
	require.Equal(t, "orders", topics[0].Name)
}

func TestPublishRejectsOversizePayload(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPayloadBytes = 4
	b, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Publish(context.Background(), "t", nil, []byte("too-long"))
	require.Error(t, err)
	require.Equal(t, brokererr.InvalidArgument, brokererr.KindOf(err))
}

func TestPublishRejectsEmptyTopic(t *testing.T) {
	b := openTestBroker(t)
	_, err := b.Publish(context.Background(), "", nil, []byte("p"))
	require.Error(t, err)
	require.Equal(t, brokererr.InvalidArgument, brokererr.KindOf(err))
}

func TestPublishAfterShutdownIsUnavailable(t *testing.T) {
	b := openTestBroker(t)
	b.BeginShutdown()

	_, err := b.Publish(context.Background(), "t", nil, []byte("p"))
	require.Error(t, err)
	require.Equal(t, brokererr.Unavailable, brokererr.KindOf(err))
}

func TestListTopicsSortedAndSuperset(t *testing.T) {
	b := openTestBroker(t)
	names := []string{"zeta", "alpha", "mu"}
	for _, n := range names {
		_, err := b.Publish(context.Background(), n, nil, []byte("x"))
		require.NoError(t, err)
	}

	topics := b.ListTopics()
	require.Len(t, topics, 3)
	for i := 1; i < len(topics); i++ {
		require.LessOrEqual(t, topics[i-1].Name, topics[i].Name)
	}
	seen := make(map[string]bool)
	for _, e := range topics {
		seen[e.Name] = true
	}
	for _, n := range names {
		require.True(t, seen[n])
	}
}

func TestBootstrapReseedsSequenceCountersFromStore(t *testing.T) {
	cfg := testConfig(t)
	b1, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	res, err := b1.Publish(context.Background(), "t", nil, []byte("m"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Sequence)
	require.NoError(t, b1.Close())

	b2, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b2.Close() })

	res2, err := b2.Publish(context.Background(), "t", nil, []byte("m2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), res2.Sequence, "sequence counters must resume from MAX(sequence) after reopen")
}

func TestTopicNameCharacterClass(t *testing.T) {
	b := openTestBroker(t)
	_, err := b.Publish(context.Background(), "has space", nil, []byte("p"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "printable"))
}
