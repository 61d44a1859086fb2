// Package wsfeed dials the external event-stream websocket and turns its
// spawn/removed messages into calls against the event manager. Connection
// handling (ping/pong keepalive, reconnect-with-backoff) follows the
// gorilla/websocket client/server session style used elsewhere in this
// stack.
package wsfeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandler is the narrow surface wsfeed drives — satisfied by
// *eventmgr.Manager without importing it directly.
type EventHandler interface {
	HandleEventSpawn(payload map[string]any)
	HandleEventRemoved(code string)
}

// envelope is the wire shape the event stream emits: a kind discriminator
// plus the loosely-typed payload the spawn/removed handlers expect.
type envelope struct {
	Kind string         `json:"event"`
	Data map[string]any `json:"data"`
}

const (
	kindSpawn   = "spawn"
	kindRemoved = "removed"
)

// Dialer abstracts websocket.DefaultDialer so tests can substitute a fake
// connection without opening a real socket.
type Dialer interface {
	Dial(url string, requestHeader map[string][]string) (Conn, error)
}

// Conn is the subset of *websocket.Conn the feed loop uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type defaultDialer struct{}

func (defaultDialer) Dial(url string, header map[string][]string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

// Feed maintains a reconnecting websocket connection to URL and dispatches
// every message it receives to Handler.
type Feed struct {
	URL     string
	Handler EventHandler
	Dialer  Dialer
	Log     *zap.Logger

	MaxMessageSizeBytes int64
	PongWaitMs          int
	PingPeriodMs        int
	WriteWaitMs         int
	// ReconnectBackoff is the delay between a dropped connection and the
	// next dial attempt. Defaults to one second.
	ReconnectBackoff time.Duration
}

func (f *Feed) log() *zap.Logger {
	if f.Log == nil {
		return zap.NewNop()
	}
	return f.Log
}

func (f *Feed) dialer() Dialer {
	if f.Dialer == nil {
		return defaultDialer{}
	}
	return f.Dialer
}

func (f *Feed) pongWait() time.Duration {
	if f.PongWaitMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(f.PongWaitMs) * time.Millisecond
}

func (f *Feed) pingPeriod() time.Duration {
	if f.PingPeriodMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(f.PingPeriodMs) * time.Millisecond
}

func (f *Feed) writeWait() time.Duration {
	if f.WriteWaitMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(f.WriteWaitMs) * time.Millisecond
}

func (f *Feed) backoff() time.Duration {
	if f.ReconnectBackoff <= 0 {
		return time.Second
	}
	return f.ReconnectBackoff
}

// Run dials URL and consumes messages until ctx is canceled, reconnecting
// after every dropped connection until then.
func (f *Feed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dialer().Dial(f.URL, nil)
		if err != nil {
			f.log().Warn("event feed dial failed, retrying", zap.Error(err))
			if !f.sleepOrDone(ctx, f.backoff()) {
				return
			}
			continue
		}
		f.consume(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		f.sleepOrDone(ctx, f.backoff())
	}
}

func (f *Feed) sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// consume reads from conn until it errors or ctx is canceled, dispatching
// every well-formed message. It always closes conn before returning.
func (f *Feed) consume(ctx context.Context, conn Conn) {
	defer conn.Close()

	if f.MaxMessageSizeBytes > 0 {
		conn.SetReadLimit(f.MaxMessageSizeBytes)
	}
	conn.SetReadDeadline(time.Now().Add(f.pongWait()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.pongWait()))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(conn, done)

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				f.log().Warn("event feed read failed", zap.Error(err))
			}
			return
		}
		f.dispatch(data)
	}
}

func (f *Feed) pingLoop(conn Conn, done chan struct{}) {
	ticker := time.NewTicker(f.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.log().Warn("event feed ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (f *Feed) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log().Warn("event feed message not JSON, dropped", zap.Error(err))
		return
	}
	switch env.Kind {
	case kindSpawn:
		f.Handler.HandleEventSpawn(env.Data)
	case kindRemoved:
		code := extractRemovedCode(env.Data)
		if code == "" {
			f.log().Warn("event feed removed message missing code, dropped")
			return
		}
		f.Handler.HandleEventRemoved(code)
	default:
		f.log().Warn("event feed message with unrecognized kind, dropped", zap.String("kind", env.Kind))
	}
}

// extractRemovedCode mirrors the spawn payload's content-nesting shapes:
// a top-level code, then content.code, then map.content.code.
func extractRemovedCode(payload map[string]any) string {
	if code, ok := payload["code"].(string); ok && code != "" {
		return code
	}
	if content, ok := payload["content"].(map[string]any); ok {
		if code, ok := content["code"].(string); ok && code != "" {
			return code
		}
	}
	if mapVal, ok := payload["map"].(map[string]any); ok {
		if content, ok := mapVal["content"].(map[string]any); ok {
			if code, ok := content["code"].(string); ok && code != "" {
				return code
			}
		}
	}
	return ""
}
