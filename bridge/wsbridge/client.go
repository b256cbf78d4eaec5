package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/vessel/bridge"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/observability"
)

const (
	dialTimeout          = 10 * time.Second
	maxReconnectInterval = 30 * time.Second
)

// Client is a bridge.Bridge over one WebSocket session. The connection is
// kept alive with exponential-backoff reconnects until Close.
type Client struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	subMu       sync.Mutex
	nextSubID   uint64
	subscribers map[uint64]func(bridge.Envelope)

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// Dial connects to a relay server and waits for the initial session.
func Dial(ctx context.Context, url string) (*Client, error) {
	clientCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		url:         url,
		ctx:         clientCtx,
		cancel:      cancel,
		connMu:      sync.RWMutex{},
		conn:        nil,
		subMu:       sync.Mutex{},
		nextSubID:   0,
		subscribers: make(map[uint64]func(bridge.Envelope)),
		ready:       make(chan struct{}),
		readyOnce:   sync.Once{},
		done:        make(chan struct{}),
	}
	go c.run()

	select {
	case <-c.ready:
		return c, nil
	case <-time.After(dialTimeout):
		c.cancel()
		return nil, errs.New("wsbridge", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for websocket session"))
	case <-ctx.Done():
		c.cancel()
		return nil, fmt.Errorf("wsbridge dial: %w", ctx.Err())
	}
}

// Publish sends the envelope to the relay server.
func (c *Client) Publish(ctx context.Context, env bridge.Envelope) error {
	data, err := bridge.Encode(env)
	if err != nil {
		return err
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New("wsbridge", errs.CodeUnavailable,
			errs.WithMessage("not connected"))
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("wsbridge", errs.CodeUnavailable,
			errs.WithMessage("write envelope"), errs.WithCause(err))
	}
	return nil
}

// Subscribe registers a handler for envelopes arriving from other contexts.
func (c *Client) Subscribe(fn func(bridge.Envelope)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subscribers, id)
			c.subMu.Unlock()
		})
	}
}

// Close ends the session and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	<-c.done
	return nil
}

// run keeps one session alive: dial, pump frames, and on failure back off
// and dial again until the client context ends.
func (c *Client) run() {
	defer close(c.done)
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		if c.ctx.Err() != nil {
			return
		}
		err := c.session()
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Debug("websocket session ended",
				observability.F("url", c.url), observability.F("error", err))
		}
		wait := backoffCfg.NextBackOff()
		if wait == backoff.Stop {
			wait = maxReconnectInterval
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) session() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session over")
	}()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		env, err := bridge.Decode(data)
		if err != nil {
			observability.Log().Error("undecodable envelope dropped",
				observability.F("error", err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env bridge.Envelope) {
	c.subMu.Lock()
	targets := make([]func(bridge.Envelope), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		targets = append(targets, fn)
	}
	c.subMu.Unlock()
	for _, fn := range targets {
		fn(env)
	}
}
