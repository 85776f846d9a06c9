package eventconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
)

// reconnectLoop keeps a stream open to s until ctx is done, waiting
// ReconnectDelay between sessions.
func (c *Consumer) reconnectLoop(ctx context.Context, s Source) {
	for {
		err := c.session(ctx, s)
		if ctx.Err() != nil {
			return
		}

		var ce *websocket.CloseError
		switch {
		case err == nil, errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
			c.logger.Debug("stream ended", "source", s.Key())
		default:
			c.logger.Error("stream failed", "source", s.Key(), "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) dial(ctx context.Context, s Source) (*websocket.Conn, error) {
	u, err := s.Url(c.cfg.CursorStore.Get(s.Key()), c.cfg.Dev)
	if err != nil {
		return nil, fmt.Errorf("building stream url: %w", err)
	}
	target := u.String()
	c.logger.Info("connecting", "url", target)

	return retry.DoWithData(
		func() (*websocket.Conn, error) {
			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
			defer cancel()
			conn, _, err := c.dialer.DialContext(dialCtx, target, nil)
			return conn, err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.RetryInterval),
		retry.MaxDelay(c.cfg.MaxRetryInterval),
		retry.MaxJitter(c.cfg.RetryInterval/5),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying connection", "source", s.Key(), "attempt", n+1, "err", err)
		}),
	)
}

// session reads one connection to completion, handing each decoded event
// to the workers.
func (c *Consumer) session(ctx context.Context, s Source) error {
	conn, err := c.dial(ctx, s)
	if err != nil {
		return err
	}
	c.trackConn(s, conn)
	defer c.trackConn(s, nil)
	defer conn.Close()

	// ReadMessage does not watch ctx
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("connected", "source", s.Key())

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("error deserializing message", "source", s.Key(), "err", err)
			continue
		}

		select {
		case c.deliveries <- delivery{source: s, msg: msg}:
		case <-ctx.Done():
			return nil
		}
	}
}
