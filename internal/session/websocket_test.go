package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// echoServer echoes text frames and answers pings with gorilla's default
// ping handler. Sending "bye" makes the server close the socket.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextFrame(t *testing.T, c Conn) Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		require.True(t, ok, "frames channel closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestWebSocketEchoAndPong(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWebSocketDialer().Dial(ctx, wsURL(srv))
	require.NoError(t, err)

	require.NoError(t, conn.WriteText([]byte(`{"event":"deviceStatusAck"}`)))
	f := nextFrame(t, conn)
	assert.Equal(t, FrameText, f.Type)
	assert.Equal(t, `{"event":"deviceStatusAck"}`, string(f.Data))

	require.NoError(t, conn.Ping())
	assert.Equal(t, FramePong, nextFrame(t, conn).Type)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestWebSocketPeerCloseDeliversClosedFrame(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	defer srv.Close()

	conn, err := NewWebSocketDialer().Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteText([]byte("bye")))

	f := nextFrame(t, conn)
	assert.Equal(t, FrameClosed, f.Type)
	assert.Error(t, f.Err)

	_, ok := <-conn.Frames()
	assert.False(t, ok, "frames channel should close after FrameClosed")
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebSocketDialer().Dial(context.Background(), wsURL(srv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestClientOverWebSocket(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := echoServer(t)
	defer srv.Close()

	identity := &fakeIdentity{id: "dev-ws"}
	device := &fakeDevice{systemType: "ws2812", ready: true}
	client := New(DefaultConfig(wsURL(srv)), NewWebSocketDialer(), identity, device, fakeInfo{})

	now := time.Now()
	require.NoError(t, client.Connect(context.Background(), now))
	require.True(t, client.Connected())

	// The echo server reflects registerDevice, deviceStatus and
	// lightingSystemStatus back; the client has no handler for its own
	// outbound events and must ignore them.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.Poll(time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, client.Connected())
	assert.Empty(t, client.TakeFailures())

	client.Disconnect(time.Now())
	assert.False(t, client.Connected())
	assert.False(t, identity.online)
}
