package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CiaranWoodward/mbus/msg"
)

// MessageHandler processes one inbound data message
type MessageHandler interface {
	Handle(m *msg.Message)
}

// HandlerFunc adapts a function to MessageHandler
type HandlerFunc func(m *msg.Message)

func (f HandlerFunc) Handle(m *msg.Message) {
	f(m)
}

// AddTypeCallback routes messages of type t to h. A type has at most one
// handler; a later registration replaces the earlier one.
func (c *Client) AddTypeCallback(t msg.TypeID, h MessageHandler) {
	c.hmu.Lock()
	c.handlers[t] = h
	c.hmu.Unlock()
}

// RemoveTypeCallback undoes AddTypeCallback
func (c *Client) RemoveTypeCallback(t msg.TypeID) {
	c.hmu.Lock()
	delete(c.handlers, t)
	c.hmu.Unlock()
}

func (c *Client) handler(t msg.TypeID) MessageHandler {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers[t]
}

// Pending is the number of inbound messages waiting for dispatch
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// DispatchOne takes the oldest queued inbound message, waiting for one if
// necessary, and runs its handler to completion. Messages without a handler
// are logged and dropped. Once the connection is gone, queued messages are
// still dispatched before the connection error is returned.
func (c *Client) DispatchOne(ctx context.Context) error {
	m, err := c.next(ctx)
	if err != nil {
		return err
	}
	c.dispatch(ctx, m)
	return nil
}

// Take the oldest queued inbound message, waiting until ctx ends for one
func (c *Client) next(ctx context.Context) (*msg.Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return m, nil
		}
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) dispatch(ctx context.Context, m *msg.Message) {
	if m.Option == msg.OptIntro {
		c.handleIntro(ctx, m)
		return
	}
	h := c.handler(m.Type)
	if h == nil {
		c.log.Debug().Stringer("message", m).Msg("no handler for type")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Stringer("message", m).Msg("message handler panicked")
		}
	}()
	h.Handle(m)
}

// Run dispatches inbound messages until ctx ends or the connection is lost.
// When idle is positive and no message arrives for that long, onIdle runs.
// Run returns ctx.Err() when ctx ends and the connection error otherwise.
// The idle deadline only bounds the wait; handlers run under ctx.
func (c *Client) Run(ctx context.Context, idle time.Duration, onIdle func()) error {
	for {
		wctx, cancel := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			wctx, cancel = context.WithTimeout(ctx, idle)
		}
		m, err := c.next(wctx)
		cancel()

		switch {
		case err == nil:
			c.dispatch(ctx, m)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			if onIdle != nil {
				onIdle()
			}
		default:
			return fmt.Errorf("event loop: %w", err)
		}
	}
}
