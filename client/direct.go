package client

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/CiaranWoodward/mbus/direct"
	"github.com/CiaranWoodward/mbus/msg"
)

// DirectHandler serves the responder end of a direct channel. The session is
// closed when HandleDirect returns.
type DirectHandler interface {
	HandleDirect(s *direct.Session) error
}

// DirectFunc adapts a function to DirectHandler
type DirectFunc func(s *direct.Session) error

func (f DirectFunc) HandleDirect(s *direct.Session) error {
	return f(s)
}

// AddDirectCallback serves direct channels requested with type t. Requests
// for types without a callback are refused.
func (c *Client) AddDirectCallback(t msg.TypeID, h DirectHandler) {
	c.hmu.Lock()
	c.direct[t] = h
	c.hmu.Unlock()
}

// RemoveDirectCallback undoes AddDirectCallback
func (c *Client) RemoveDirectCallback(t msg.TypeID) {
	c.hmu.Lock()
	delete(c.direct, t)
	c.hmu.Unlock()
}

// Address peers should dial to reach this host: the local end of the broker
// connection when it is a network address
func (c *Client) listenIP() string {
	if a, ok := c.con.LocalAddr().(*net.TCPAddr); ok && !a.IP.IsUnspecified() {
		return a.IP.String()
	}
	return "127.0.0.1"
}

// OpenDirect opens a direct channel of type t to module to and runs fn on
// it. The channel is closed when fn returns, and reset when fn fails. The broker only carries the
// introduction; the bytes flow over a socket between the two modules.
func (c *Client) OpenDirect(ctx context.Context, to msg.ModuleID, t msg.TypeID, fn func(s *direct.Session) error) error {
	l, err := net.Listen("tcp", net.JoinHostPort(c.listenIP(), "0"))
	if err != nil {
		return fmt.Errorf("%w: direct listener: %v", msg.ErrConnect, err)
	}
	defer l.Close()

	token := uuid.NewString()
	rsp, err := c.control(ctx, msg.Control{DirectReq: &msg.DirectRequest{
		To:    to,
		Type:  t,
		Addr:  l.Addr().String(),
		Token: token,
	}})
	if err != nil {
		return err
	}
	if rsp.DirectRes == nil {
		return unexpected("direct", rsp)
	}
	if err := rsp.DirectRes.Status.Err(); err != nil {
		return fmt.Errorf("direct channel to %d: %w", to, err)
	}

	conn, err := c.accept(ctx, l)
	if err != nil {
		return err
	}
	s := direct.NewSession(to, t, direct.Initiator)
	if err := s.Admit(conn, token); err != nil {
		return err
	}
	defer s.Close()

	c.log.Debug().Int32("peer", int32(to)).Int32("type", int32(t)).Msg("direct channel open")
	if err := fn(s); err != nil {
		s.Abort()
		return err
	}
	return nil
}

// Accept the peer's connection, giving up with the context or the broker
// connection
func (c *Client) accept(ctx context.Context, l net.Listener) (net.Conn, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-accepted:
			return
		}
		l.Close()
	}()

	conn, err := l.Accept()
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctxError(ctx.Err())
	}
	if e := c.Err(); e != nil {
		return nil, e
	}
	return nil, fmt.Errorf("%w: direct accept: %v", msg.ErrConnect, err)
}

// Serve a direct channel introduction on the dispatching goroutine
func (c *Client) handleIntro(ctx context.Context, m *msg.Message) {
	ctl, err := msg.DecodeControl(c.tc, m)
	if err != nil || ctl.Intro == nil {
		c.log.Warn().Err(err).Stringer("message", m).Msg("bad direct introduction")
		return
	}
	c.hmu.RLock()
	h := c.direct[m.Type]
	c.hmu.RUnlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ctl.Intro.Addr)
	if err != nil {
		c.log.Warn().Err(err).Str("addr", ctl.Intro.Addr).Msg("cannot reach direct channel requester")
		return
	}
	if h == nil {
		c.log.Warn().Int32("peer", int32(m.From)).Int32("type", int32(m.Type)).Msg("refusing direct channel without handler")
		direct.Refuse(conn, ctl.Intro.Token)
		return
	}

	s := direct.NewSession(m.From, m.Type, direct.Responder)
	defer s.Close()
	if err := s.Join(conn, ctl.Intro.Token); err != nil {
		c.log.Warn().Err(err).Msg("joining direct channel")
		return
	}
	if err := h.HandleDirect(s); err != nil {
		s.Abort()
		c.log.Warn().Err(err).Int32("peer", int32(m.From)).Int32("type", int32(m.Type)).Msg("direct channel handler failed")
	}
}
