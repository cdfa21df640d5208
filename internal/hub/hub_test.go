package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn records writes and can be scripted to fail.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.messages = append(c.messages, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestHub() *Hub {
	return New(zerolog.Nop())
}

func TestConnectAndCount(t *testing.T) {
	h := newTestHub()
	h.Connect(&fakeConn{}, "a")
	h.Connect(&fakeConn{}, "b")

	require.Equal(t, 2, h.Count())

	ids := h.Active()
	sort.Strings(ids)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestReconnectClosesPriorConnection(t *testing.T) {
	h := newTestHub()
	first := &fakeConn{}
	second := &fakeConn{}

	h.Connect(first, "a")
	h.Connect(second, "a")

	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
	require.Equal(t, 1, h.Count())

	// Pushes land on the replacement, not the superseded channel.
	h.Send("a", map[string]string{"hello": "world"})
	require.Equal(t, 0, first.count())
	require.Equal(t, 1, second.count())
}

func TestStaleHandleCannotEvictReplacement(t *testing.T) {
	h := newTestHub()
	first := &fakeConn{}
	second := &fakeConn{}

	old := h.Connect(first, "a")
	h.Connect(second, "a")

	// The superseded handler tears down after the replacement has
	// registered; its handle is stale and must not touch the new entry.
	h.Disconnect("a", old)

	require.Equal(t, []string{"a"}, h.Active())
	require.False(t, second.isClosed())
	require.Equal(t, "connected", h.ConnectionInfo("a").Status)

	h.Send("a", "still here")
	require.Equal(t, 1, second.count())
	require.Equal(t, 0, first.count())
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	h.Connect(c, "a")

	h.Disconnect("a", nil)
	require.True(t, c.isClosed())
	require.Equal(t, 0, h.Count())

	// Repeats and unknown ids are no-ops.
	h.Disconnect("a", nil)
	h.Disconnect("never-seen", nil)

	info := h.ConnectionInfo("a")
	require.NotNil(t, info)
	require.Equal(t, "disconnected", info.Status)
	require.NotNil(t, info.DisconnectedAt)
}

func TestSendUnicast(t *testing.T) {
	h := newTestHub()
	target := &fakeConn{}
	other := &fakeConn{}
	h.Connect(target, "a")
	h.Connect(other, "b")

	h.Send("a", map[string]string{"type": "job.completed"})

	require.Equal(t, 1, target.count())
	require.Equal(t, 0, other.count())

	var msg map[string]string
	require.NoError(t, json.Unmarshal(target.messages[0], &msg))
	require.Equal(t, "job.completed", msg["type"])

	// Unknown recipient is a silent no-op.
	h.Send("nobody", "ignored")
}

func TestSendFailureDropsConnection(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{writeErr: errors.New("broken pipe")}
	h.Connect(c, "a")

	h.Send("a", "payload")

	require.Equal(t, 0, h.Count())
	require.True(t, c.isClosed())
}

func TestBroadcastSkipsNobody(t *testing.T) {
	h := newTestHub()
	conns := make([]*fakeConn, 4)
	for i := range conns {
		conns[i] = &fakeConn{}
		h.Connect(conns[i], string(rune('a'+i)))
	}

	h.Broadcast(map[string]string{"type": "status"})

	for _, c := range conns {
		require.Equal(t, 1, c.count())
	}
}

func TestBroadcastDisconnectsFailedWriters(t *testing.T) {
	h := newTestHub()
	healthy1 := &fakeConn{}
	broken := &fakeConn{writeErr: errors.New("gone")}
	healthy2 := &fakeConn{}

	h.Connect(healthy1, "a")
	h.Connect(broken, "b")
	h.Connect(healthy2, "c")

	h.Broadcast("ping")

	// Healthy connections got the message and stayed registered; the
	// broken one is gone.
	require.Equal(t, 1, healthy1.count())
	require.Equal(t, 1, healthy2.count())
	require.Equal(t, 2, h.Count())
	require.True(t, broken.isClosed())

	ids := h.Active()
	sort.Strings(ids)
	require.Equal(t, []string{"a", "c"}, ids)
}

func TestConnectionInfoUnknown(t *testing.T) {
	h := newTestHub()
	require.Nil(t, h.ConnectionInfo("nope"))
}

func TestDisconnectedInfoIsBounded(t *testing.T) {
	h := newTestHub()
	for i := 0; i < maxDisconnectedInfo+50; i++ {
		id := fmt.Sprintf("client-%d", i)
		h.Connect(&fakeConn{}, id)
		h.Disconnect(id, nil)
	}

	h.mu.RLock()
	kept := len(h.info)
	h.mu.RUnlock()
	require.LessOrEqual(t, kept, maxDisconnectedInfo)

	// The most recent records survive eviction.
	require.NotNil(t, h.ConnectionInfo(fmt.Sprintf("client-%d", maxDisconnectedInfo+49)))
}
