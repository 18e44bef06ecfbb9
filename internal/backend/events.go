package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gemdirect/render-agent/internal/engine"
)

const (
	feedBuffer         = 64
	reconnectDelay     = 2 * time.Second
	feedHandshakeLimit = 10 * time.Second
)

// Feed subscribes to the backend's websocket push channel, keyed by the
// client id used for submissions, and converts typed messages into
// engine.FeedEvent values. It implements engine.EventFeed.
type Feed struct {
	wsURL  string
	logger *slog.Logger
	events chan engine.FeedEvent
}

// NewFeed builds a feed for the given backend base URL and client id.
func NewFeed(baseURL, clientID string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws?clientId=" + url.QueryEscape(clientID)
	return &Feed{
		wsURL:  wsURL,
		logger: logger,
		events: make(chan engine.FeedEvent, feedBuffer),
	}
}

// Events returns the stream of push events. The channel is closed when
// Start's context is cancelled.
func (f *Feed) Events() <-chan engine.FeedEvent {
	return f.events
}

// Start connects and reads messages until ctx is cancelled, reconnecting
// after transient failures. It runs in its own goroutine; the initial
// connection error, if any, is returned so callers can fail fast.
func (f *Feed) Start(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}

	go func() {
		defer close(f.events)
		for {
			f.readLoop(ctx, conn)
			conn.Close()

			// Reconnect until it sticks or the run ends.
			for {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("event feed disconnected; reconnecting", "delay", reconnectDelay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectDelay):
				}

				c, err := f.dial(ctx)
				if err != nil {
					f.logger.Warn("event feed reconnect failed", "error", err)
					continue
				}
				conn = c
				break
			}
		}
	}()

	return nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, feedHandshakeLimit)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	if err != nil {
		return nil, err
	}
	f.logger.Info("event feed connected", "url", f.wsURL)
	return conn, nil
}

// readLoop decodes messages until the connection drops or ctx is
// cancelled. Unknown message types and binary preview frames are skipped.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Debug("unparsable feed message", "error", err)
			continue
		}

		switch msg.Type {
		case "executed", "executing", "execution_error":
			var payload wsEventData
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				f.logger.Debug("unparsable feed event data", "type", msg.Type, "error", err)
				continue
			}
			ev := engine.FeedEvent{
				Type:  msg.Type,
				JobID: payload.PromptID,
				Error: payload.ExceptionMessage,
				Raw:   json.RawMessage(data),
			}
			select {
			case f.events <- ev:
			case <-ctx.Done():
				return
			}
		case "progress":
			f.logger.Debug("render progress", "data", string(msg.Data))
		}
	}
}
