package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/heisenbergs-uncertainty/sluice/internal/broker"
	"github.com/heisenbergs-uncertainty/sluice/internal/config"
)

func testBroker(t *testing.T) *broker.Broker {
	t.Helper()
	cfg := &config.Config{
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
	b, err := broker.Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestHandlePublishRoundTrip(t *testing.T) {
	b := testBroker(t)
	srv := New("127.0.0.1:0", TLSConfig{}, b, nil, zerolog.Nop())

	body, err := json.Marshal(publishRequest{Topic: "orders", Payload: []byte("p1"), Attributes: map[string]string{"k": "v"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handlePublish(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(1), resp.Sequence)
	require.NotEmpty(t, resp.MessageID)
}

func TestHandlePublishRejectsEmptyTopic(t *testing.T) {
	b := testBroker(t)
	srv := New("127.0.0.1:0", TLSConfig{}, b, nil, zerolog.Nop())

	body, err := json.Marshal(publishRequest{Topic: "", Payload: []byte("p")})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handlePublish(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePublishRejectsWrongMethod(t *testing.T) {
	b := testBroker(t)
	srv := New("127.0.0.1:0", TLSConfig{}, b, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/publish", nil)
	rec := httptest.NewRecorder()
	srv.handlePublish(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleListTopics(t *testing.T) {
	b := testBroker(t)
	_, err := b.Publish(context.Background(), "orders", nil, []byte("p"))
	require.NoError(t, err)

	srv := New("127.0.0.1:0", TLSConfig{}, b, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/v1/topics", nil)
	rec := httptest.NewRecorder()
	srv.handleListTopics(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp listTopicsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Topics, 1)
	require.Equal(t, "orders", resp.Topics[0].Name)
}

func TestHandleHealthReportsShuttingDown(t *testing.T) {
	b := testBroker(t)
	srv := New("127.0.0.1:0", TLSConfig{}, b, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	srv.shuttingDown.Store(true)
	rec2 := httptest.NewRecorder()
	srv.handleHealth(rec2, req)
	require.Equal(t, http.StatusServiceUnavailable, rec2.Code)
}

func TestTLSConfigEnabled(t *testing.T) {
	require.False(t, TLSConfig{}.enabled())
	require.True(t, TLSConfig{Cert: "a", Key: "b"}.enabled())
}
