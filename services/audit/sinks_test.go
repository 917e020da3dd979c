package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	fail     error
	block    chan struct{}
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func entry(seq int64, wallet string) *treasury.AuditEntry {
	return &treasury.AuditEntry{
		Sequence:   seq,
		Action:     treasury.ActionTransactionSigned,
		EntityType: treasury.EntityTransaction,
		EntityID:   "t1",
		WalletID:   wallet,
	}
}

func TestKafkaSinkWritesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, 8, time.Second, nil, nil)
	sink.Start()

	sink.Publish([]*treasury.AuditEntry{entry(1, "w1"), entry(2, "")})
	require.NoError(t, sink.Stop(context.Background()))

	require.Len(t, w.messages, 2)
	assert.Equal(t, "w1", string(w.messages[0].Key))
	assert.Equal(t, "t1", string(w.messages[1].Key))
	assert.Equal(t, "action", w.messages[0].Headers[0].Key)

	var decoded treasury.AuditEntry
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, int64(1), decoded.Sequence)
	assert.True(t, w.closed)
	assert.Zero(t, sink.Dropped())
}

func TestKafkaSinkDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := metrics.New()
	sink := NewKafkaSinkWithWriter(w, 1, time.Second, nil, m)
	sink.Start()

	// One entry is held by the writer, one fills the queue, the rest drop.
	sink.Publish([]*treasury.AuditEntry{entry(1, "w1")})
	time.Sleep(20 * time.Millisecond)
	sink.Publish([]*treasury.AuditEntry{entry(2, "w1"), entry(3, "w1"), entry(4, "w1")})
	assert.Equal(t, uint64(2), sink.Dropped())

	close(w.block)
	require.NoError(t, sink.Stop(context.Background()))
	assert.Len(t, w.messages, 2)
}

func TestKafkaSinkCountsWriteFailures(t *testing.T) {
	w := &fakeWriter{fail: errors.New("broker down")}
	sink := NewKafkaSinkWithWriter(w, 4, time.Second, nil, nil)
	sink.Start()
	sink.Publish([]*treasury.AuditEntry{entry(1, "w1")})
	require.NoError(t, sink.Stop(context.Background()))

	assert.Equal(t, uint64(1), sink.Dropped())
	sink.Publish([]*treasury.AuditEntry{entry(2, "w1")})
	assert.Equal(t, uint64(1), sink.Dropped())
	assert.NoError(t, sink.Stop(context.Background()))
}

func TestKafkaSinkNilSafe(t *testing.T) {
	var sink *KafkaSink
	assert.NotPanics(t, func() {
		sink.Start()
		sink.Publish([]*treasury.AuditEntry{entry(1, "w1")})
		assert.NoError(t, sink.Stop(context.Background()))
		assert.Zero(t, sink.Dropped())
	})
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubStreamsEntries(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dialHub(t, srv, "")
	onlyW2 := dialHub(t, srv, "?wallet_id=w2")
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	hub.Publish([]*treasury.AuditEntry{entry(1, "w1"), entry(2, "w2")})

	var got treasury.AuditEntry
	_ = all.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, int64(1), got.Sequence)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, int64(2), got.Sequence)

	_ = onlyW2.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, onlyW2.ReadJSON(&got))
	assert.Equal(t, "w2", got.WalletID)
}

func TestHubDropsDisconnectedSubscribers(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.NotPanics(t, func() { hub.Publish([]*treasury.AuditEntry{entry(1, "w1")}) })
}
