/*
Package direct implements the raw point-to-point channels that carry bulk data
between two modules outside the brokered path.

The broker only introduces the two ends: the requester listens on an ephemeral
port and advertises it together with a random token, and the responder dials
that endpoint. Once the socket is up, the bytes on it are not envelope framed.

A Session walks through an explicit sequence of states:

	Requesting -> Introduced -> StatusExchanged -> Streaming -> Closed

Introduced is reached when the responder has presented the token and accepted
the channel. Sessions that exchange an open status (file transfer) pass through
StatusExchanged only when both ends reported ready; other users may go straight
from Introduced to Streaming. Any state may move to Closed.
*/
package direct

import (
	"fmt"
	"io"
	"net"

	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/wire"
)

// State of a direct session
type State int

const (
	Requesting State = iota
	Introduced
	StatusExchanged
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Introduced:
		return "introduced"
	case StatusExchanged:
		return "status-exchanged"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Role of the local end of a session
type Role int

const (
	// Initiator asked the broker for the channel and listens for the peer
	Initiator Role = iota
	// Responder was introduced by the broker and dials the initiator
	Responder
)

// Open status values exchanged before streaming
const (
	StatusReady  int32 = 0
	StatusFailed int32 = 1
)

// Accept flag values written by the responder after the token
const (
	accepted int32 = 0
	refused  int32 = 1
)

// Session is one end of a direct channel
type Session struct {
	// Peer is the module at the other end
	Peer msg.ModuleID
	// Type is the message type the channel was requested for
	Type msg.TypeID

	role   Role
	state  State
	conn   net.Conn
	r      *wire.Reader
	w      *wire.Writer
	remote int32
}

// NewSession creates a session in the Requesting state
func NewSession(peer msg.ModuleID, typ msg.TypeID, role Role) *Session {
	return &Session{Peer: peer, Type: typ, role: role, state: Requesting}
}

// State returns the current state of the session
func (s *Session) State() State {
	return s.state
}

// Role returns the local role
func (s *Session) Role() Role {
	return s.role
}

func (s *Session) badState(op string) error {
	return msg.NewError(msg.PROTOCOL_ERROR, "%s on %s session", op, s.state)
}

func (s *Session) attach(conn net.Conn) {
	s.conn = conn
	s.r = wire.NewReader(conn)
	s.w = wire.NewWriter(conn)
}

// Admit is run by the initiator on the connection accepted from its listener.
// It checks the token presented by the peer and whether the peer accepted
// the channel, moving the session to Introduced.
func (s *Session) Admit(conn net.Conn, token string) error {
	if s.state != Requesting || s.role != Initiator {
		return s.badState("admit")
	}
	s.attach(conn)
	got, err := s.r.ReadString()
	if err != nil {
		return s.fail(fmt.Errorf("%w: reading token: %v", msg.ErrConnect, err))
	}
	if got != token {
		return s.fail(msg.NewError(msg.PROTOCOL_ERROR, "direct channel token mismatch"))
	}
	flag, err := s.r.ReadInt32()
	if err != nil {
		return s.fail(fmt.Errorf("%w: reading accept flag: %v", msg.ErrConnect, err))
	}
	if flag != accepted {
		return s.fail(msg.NewError(msg.NO_HANDLER, "peer %d has no handler for type %d", s.Peer, s.Type))
	}
	s.state = Introduced
	return nil
}

// Join is run by the responder on the connection it dialled
func (s *Session) Join(conn net.Conn, token string) error {
	if s.state != Requesting || s.role != Responder {
		return s.badState("join")
	}
	s.attach(conn)
	if err := s.w.WriteString(token); err != nil {
		return s.fail(fmt.Errorf("%w: %v", msg.ErrConnect, err))
	}
	if err := s.w.WriteInt32(accepted); err != nil {
		return s.fail(fmt.Errorf("%w: %v", msg.ErrConnect, err))
	}
	s.state = Introduced
	return nil
}

// Refuse tells an initiator that the channel will not be served, then closes conn
func Refuse(conn net.Conn, token string) error {
	defer conn.Close()
	w := wire.NewWriter(conn)
	if err := w.WriteString(token); err != nil {
		return err
	}
	return w.WriteInt32(refused)
}

// WriteHeader sends the session header, a single length prefixed string
// written by the initiator before the status exchange
func (s *Session) WriteHeader(h string) error {
	if s.state != Introduced {
		return s.badState("write header")
	}
	if err := s.w.WriteString(h); err != nil {
		return s.fail(fmt.Errorf("%w: %v", msg.ErrConnect, err))
	}
	return nil
}

// ReadHeader receives the header sent with WriteHeader
func (s *Session) ReadHeader() (string, error) {
	if s.state != Introduced {
		return "", s.badState("read header")
	}
	h, err := s.r.ReadString()
	if err != nil {
		return "", s.fail(fmt.Errorf("%w: reading header: %v", msg.ErrConnect, err))
	}
	return h, nil
}

// ExchangeStatus trades open status with the peer. The initiator speaks
// first and the responder answers, so the exchange also works over
// unbuffered transports.
// The session moves to StatusExchanged only when both sides are ready;
// otherwise it is closed and ErrOpenFailed is returned.
func (s *Session) ExchangeStatus(ready bool) error {
	if s.state != Introduced {
		return s.badState("exchange status")
	}
	local := StatusReady
	if !ready {
		local = StatusFailed
	}

	var err error
	if s.role == Initiator {
		if err = s.w.WriteInt32(local); err == nil {
			s.remote, err = s.r.ReadInt32()
		}
	} else {
		if s.remote, err = s.r.ReadInt32(); err == nil {
			err = s.w.WriteInt32(local)
		}
	}
	if err != nil {
		return s.fail(fmt.Errorf("%w: status exchange: %v", msg.ErrConnect, err))
	}

	switch {
	case local != StatusReady:
		return s.fail(msg.NewError(msg.OPEN_FAILED, "local open failed"))
	case s.remote != StatusReady:
		return s.fail(msg.NewError(msg.OPEN_FAILED, "remote open failed"))
	}
	s.state = StatusExchanged
	return nil
}

// RemoteStatus is the status the peer sent during ExchangeStatus
func (s *Session) RemoteStatus() int32 {
	return s.remote
}

// Stream switches the session to raw streaming and returns the socket.
// Streaming is allowed straight after the introduction, or after a
// successful status exchange.
func (s *Session) Stream() (io.ReadWriter, error) {
	switch s.state {
	case Introduced, StatusExchanged:
		s.state = Streaming
		return s.conn, nil
	case Streaming:
		return s.conn, nil
	}
	return nil, s.badState("stream")
}

// Reader returns the primitive decoder bound to the socket
func (s *Session) Reader() *wire.Reader {
	return s.r
}

// Writer returns the primitive encoder bound to the socket
func (s *Session) Writer() *wire.Writer {
	return s.w
}

// CloseWrite signals end of stream to the peer while keeping the read side
// open. Transports without half close are closed completely.
func (s *Session) CloseWrite() error {
	if s.state != Streaming {
		return s.badState("close write")
	}
	if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return s.Close()
}

// Close releases the socket. Closing twice is harmless.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Abort closes the socket with a reset instead of an orderly end of stream,
// so a peer still reading sees an error rather than a short but complete
// stream. Transports without linger control are closed normally.
func (s *Session) Abort() error {
	if s.state == Closed {
		return nil
	}
	if lc, ok := s.conn.(interface{ SetLinger(sec int) error }); ok {
		lc.SetLinger(0)
	}
	return s.Close()
}

func (s *Session) fail(err error) error {
	s.Close()
	return err
}
