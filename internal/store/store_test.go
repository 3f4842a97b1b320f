package store

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), 4, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEnsureTopicIsUpsert(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id1, created1, err := st.EnsureTopic(ctx, "orders", 1000)
	require.NoError(t, err)
	require.True(t, created1)

	id2, created2, err := st.EnsureTopic(ctx, "orders", 2000)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id1, id2)
}

func TestCommitBatchAssignsContiguousSequences(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	topicID, _, err := st.EnsureTopic(ctx, "t", 1000)
	require.NoError(t, err)

	records := []PendingRecord{
		{TopicID: topicID, Sequence: 1, MessageID: "m1", Timestamp: 1, Payload: []byte("a")},
		{TopicID: topicID, Sequence: 2, MessageID: "m2", Timestamp: 2, Payload: []byte("b")},
		{TopicID: topicID, Sequence: 3, MessageID: "m3", Timestamp: 3, Payload: []byte("c")},
	}
	require.NoError(t, st.CommitBatch(ctx, records, nil))

	msgs, err := st.ReadRange(ctx, topicID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.Equal(t, uint64(i+1), m.Sequence)
	}
}

func TestReadRangeRespectsAfterSequenceAndLimit(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	topicID, _, err := st.EnsureTopic(ctx, "t", 1000)
	require.NoError(t, err)

	var records []PendingRecord
	for i := uint64(1); i <= 5; i++ {
		records = append(records, PendingRecord{TopicID: topicID, Sequence: i, MessageID: "m", Timestamp: int64(i), Payload: []byte("x")})
	}
	require.NoError(t, st.CommitBatch(ctx, records, nil))

	msgs, err := st.ReadRange(ctx, topicID, 2, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(3), msgs[0].Sequence)
	require.Equal(t, uint64(4), msgs[1].Sequence)
}

func TestCursorMaxMonotone(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	topicID, _, err := st.EnsureTopic(ctx, "t", 1000)
	require.NoError(t, err)

	require.NoError(t, st.CommitBatch(ctx, nil, []CursorUpdate{{TopicID: topicID, Group: "g", Sequence: 5}}))
	cur, err := st.LookupCursor(ctx, topicID, "g")
	require.NoError(t, err)
	require.Equal(t, uint64(5), cur)

	// An out-of-order/duplicate ack with a lower sequence must be a no-op.
	require.NoError(t, st.CommitBatch(ctx, nil, []CursorUpdate{{TopicID: topicID, Group: "g", Sequence: 2}}))
	cur, err = st.LookupCursor(ctx, topicID, "g")
	require.NoError(t, err)
	require.Equal(t, uint64(5), cur)

	require.NoError(t, st.CommitBatch(ctx, nil, []CursorUpdate{{TopicID: topicID, Group: "g", Sequence: 9}}))
	cur, err = st.LookupCursor(ctx, topicID, "g")
	require.NoError(t, err)
	require.Equal(t, uint64(9), cur)
}

func TestLookupCursorUnknownGroupIsZero(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	topicID, _, err := st.EnsureTopic(ctx, "t", 1000)
	require.NoError(t, err)

	cur, err := st.LookupCursor(ctx, topicID, "never-seen")
	require.NoError(t, err)
	require.Equal(t, uint64(0), cur)
}

func TestListTopicsLexicographic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	for _, name := range []string{"zeta", "alpha", "mu"} {
		_, _, err := st.EnsureTopic(ctx, name, 1000)
		require.NoError(t, err)
	}

	topics, err := st.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 3)
	require.Equal(t, []string{"alpha", "mu", "zeta"}, []string{topics[0].Name, topics[1].Name, topics[2].Name})
}

func TestCrashConsistencyAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := Open(dir, 4, zerolog.Nop())
	require.NoError(t, err)

	topicID, _, err := st.EnsureTopic(ctx, "orders", 1000)
	require.NoError(t, err)
	require.NoError(t, st.CommitBatch(ctx, []PendingRecord{
		{TopicID: topicID, Sequence: 1, MessageID: "m1", Timestamp: 1, Payload: []byte("p1")},
	}, nil))
	require.NoError(t, st.Close())

	// Re-open against the same directory, simulating a restart.
	reopened, err := Open(dir, 4, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	topics, err := reopened.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)

	msgs, err := reopened.ReadRange(ctx, topics[0].ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("p1"), msgs[0].Payload)
}

func TestAttributesRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	topicID, _, err := st.EnsureTopic(ctx, "t", 1000)
	require.NoError(t, err)

	attrs := map[string]string{"k1": "v1", "k2": "v2"}
	require.NoError(t, st.CommitBatch(ctx, []PendingRecord{
		{TopicID: topicID, Sequence: 1, MessageID: "m1", Timestamp: 1, Attributes: attrs, Payload: []byte("p")},
	}, nil))

	msgs, err := st.ReadRange(ctx, topicID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, attrs, msgs[0].Attributes)
}

func TestMaxSequenceEmptyTopicIsZero(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	topicID, _, err := st.EnsureTopic(ctx, "t", 1000)
	require.NoError(t, err)

	seq, err := st.MaxSequence(ctx, topicID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
}
