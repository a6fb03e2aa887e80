package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagesave-server/config"
	"stagesave-server/service"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	types    []int
	closed   bool
	writeErr error
	block    chan struct{}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.types = append(c.types, messageType)
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.messages...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

const waitFor = time.Second
const tick = 5 * time.Millisecond

func TestNotifyHub_Broadcast(t *testing.T) {
	hub := NewNotifyHub()
	a, b := &fakeConn{}, &fakeConn{}
	hub.AddClientConn(a)
	hub.AddClientConn(b)
	require.Equal(t, 2, hub.Len())

	hub.BroadcastMessage([]byte("hello"))

	for _, c := range []*fakeConn{a, b} {
		require.Eventually(t, func() bool { return len(c.received()) == 1 }, waitFor, tick)
		assert.Equal(t, "hello", string(c.received()[0]))
		c.mu.Lock()
		assert.Equal(t, websocket.TextMessage, c.types[0])
		c.mu.Unlock()
	}
}

func TestNotifyHub_HandleSaved(t *testing.T) {
	hub := NewNotifyHub()
	conn := &fakeConn{}
	hub.AddClientConn(conn)

	events := service.NewEventBus()
	events.Subscribe(service.TopicStageSaved, hub.HandleSaved)
	events.PublishSaved("save-1", "stages.js", "const STAGES = [1,2,3];")

	require.Eventually(t, func() bool { return len(conn.received()) == 1 }, waitFor, tick)
	var msg notifyMessage
	require.NoError(t, sonic.Unmarshal(conn.received()[0], &msg))
	assert.Equal(t, notifyMessage{Type: notifyTypeSaved, SaveID: "save-1", Content: "const STAGES = [1,2,3];"}, msg)
}

func TestNotifyClient_CloseRemovesFromHub(t *testing.T) {
	hub := NewNotifyHub()
	conn := &fakeConn{}
	client := hub.AddClientConn(conn)

	client.Close()
	client.Close()

	assert.Equal(t, 0, hub.Len())
	assert.True(t, conn.isClosed())
	assert.False(t, client.Send([]byte("late")))
}

func TestNotifyClient_SlowClientDropped(t *testing.T) {
	hub := NewNotifyHub()
	conn := &fakeConn{block: make(chan struct{})}
	defer close(conn.block)
	client := hub.AddClientConn(conn)

	// one message parked in the blocked write, the rest fill the buffer
	dropped := false
	for i := 0; i < config.NotifySendBuffer+2; i++ {
		if !client.Send([]byte("msg")) {
			dropped = true
			break
		}
	}

	assert.True(t, dropped)
	assert.Equal(t, 0, hub.Len())
	assert.True(t, conn.isClosed())
}

func TestNotifyClient_WriteErrorClosesClient(t *testing.T) {
	hub := NewNotifyHub()
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	hub.AddClientConn(conn)

	hub.BroadcastMessage([]byte("hello"))

	require.Eventually(t, func() bool { return hub.Len() == 0 }, waitFor, tick)
	assert.True(t, conn.isClosed())
}

func TestNotifyHub_Close(t *testing.T) {
	hub := NewNotifyHub()
	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		hub.AddClientConn(c)
	}

	hub.Close()

	assert.Equal(t, 0, hub.Len())
	for _, c := range conns {
		assert.True(t, c.isClosed())
	}
}

func TestNotifyClient_NoWritesAfterClose(t *testing.T) {
	hub := NewNotifyHub()
	conn := &fakeConn{block: make(chan struct{})}
	client := hub.AddClientConn(conn)

	for i := 0; i < 4; i++ {
		require.True(t, client.Send([]byte("queued")))
	}
	client.Close()
	close(conn.block)
	client.Wait()

	// at most the write already in flight when Close ran
	assert.LessOrEqual(t, len(conn.received()), 1)
	assert.False(t, client.Send([]byte("late")))
}

func TestNotifyClient_WaitAfterWriteError(t *testing.T) {
	hub := NewNotifyHub()
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	client := hub.AddClientConn(conn)

	client.Send([]byte("hello"))

	done := make(chan struct{})
	go func() {
		client.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("write pump did not exit after a write error")
	}
	assert.True(t, conn.isClosed())
}
