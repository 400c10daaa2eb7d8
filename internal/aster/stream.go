package aster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultStreamHost = "wss://fstream.asterdex.com"

const listenKeyKeepAlive = 30 * time.Minute

// StreamOptions tunes the user-data stream. Zero values get defaults.
type StreamOptions struct {
	Host string

	BackoffMin time.Duration
	BackoffMax time.Duration

	OutBuffer int
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.Host == "" {
		o.Host = DefaultStreamHost
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	return o
}

// StreamOrderEvents connects to the account's user-data stream and emits
// decoded order updates until ctx is done. The connection is owned here:
// on any read failure it redials with exponential backoff, so callers can
// assume a continuously live stream. Event order within one connection is
// the venue's emission order.
//
// In dry-run no connection is made; the channel stays open so the fill
// simulator can be the only event source.
func (c *Client) StreamOrderEvents(ctx context.Context, listenKey string, opts StreamOptions) (<-chan OrderEvent, <-chan error) {
	opts = opts.withDefaults()

	out := make(chan OrderEvent, opts.OutBuffer)
	errs := make(chan error, 16)

	if c.dryRun {
		go func() {
			defer close(out)
			defer close(errs)
			<-ctx.Done()
		}()
		return out, errs
	}

	wsURL := opts.Host + "/ws/" + listenKey
	dialer := *websocket.DefaultDialer
	if c.proxy != "" {
		if proxyURL, err := url.Parse(c.proxy); err == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		}
	}

	go func() {
		defer close(out)
		defer close(errs)

		backoff := opts.BackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := dialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				emitErrNonBlocking(errs, fmt.Errorf("stream dial: %w", err))
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff, opts.BackoffMax)
				continue
			}

			backoff = opts.BackoffMin

			if err := readStream(ctx, conn, out, errs); err != nil && ctx.Err() == nil {
				emitErrNonBlocking(errs, err)
			}

			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, opts.BackoffMax)
		}
	}()

	return out, errs
}

func readStream(ctx context.Context, conn *websocket.Conn, out chan<- OrderEvent, errs chan<- error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}

		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		ev, err := ParseOrderEvent(msg)
		if err != nil {
			emitErrNonBlocking(errs, err)
			continue
		}
		if ev == nil {
			continue
		}

		// Never drop order events; the core's state machine depends on
		// seeing every FILLED/EXPIRED exactly once per connection.
		select {
		case out <- *ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// KeepAliveListenKeyLoop refreshes the listen key every 30 minutes until ctx
// is done. The venue drops keys idle for 60 minutes.
func (c *Client) KeepAliveListenKeyLoop(ctx context.Context) {
	if c.dryRun {
		return
	}
	t := time.NewTicker(listenKeyKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.KeepAliveListenKey(ctx); err != nil {
				log.Printf("[warn] listen key keepalive: %v", err)
			}
		}
	}
}

func emitErrNonBlocking(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
