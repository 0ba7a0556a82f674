package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Frames buffered between the reader goroutine and the tick loop
	frameBuffer = 32
)

// WebSocketDialer dials sessions over gorilla/websocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

// NewWebSocketDialer returns a dialer with default gorilla settings.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		WriteTimeout: writeWait,
	}
}

// Dial connects to url and starts the reader goroutine.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = writeWait
	}

	c := newWSConn(ws, timeout)
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	frames     chan Frame
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		frames:       make(chan Frame, frameBuffer),
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
}

// readLoop forwards frames until the socket fails or Close is called. It
// never touches session state.
func (c *wsConn) readLoop() {
	defer close(c.readerDone)
	defer close(c.frames)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.push(Frame{Type: FramePong})
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.push(Frame{Type: FrameClosed, Err: err})
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !c.push(Frame{Type: FrameText, Data: data}) {
			return
		}
	}
}

func (c *wsConn) push(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) Frames() <-chan Frame {
	return c.frames
}

func (c *wsConn) WriteText(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (c *wsConn) Ping() error {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close sends a close frame, closes the socket and waits for the reader
// goroutine to exit.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			logging.Debug("Close frame not sent", zap.Error(werr))
		}
		err = c.ws.Close()
		<-c.readerDone
	})
	return err
}
