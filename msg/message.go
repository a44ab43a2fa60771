/*
Package msg defines the mbus message envelope and the control protocol spoken
between bus clients and the broker.

Every message on the brokered path is framed as:
  - To      int32  destination module id, or a reserved address
  - From    int32  sending module id (stamped by the broker)
  - Seq     int32  sender-local sequence number, echoed in control replies
  - Option  uint8  data, control request, control reply or direct introduction
  - Type    int32  message type id (0 for control traffic)
  - Length  int32  payload length
  - Payload Length bytes

Reserved addresses are small negative integers so they never collide with
broker assigned module ids, which are non-negative.
*/
package msg

import (
	"bytes"
	"fmt"
	"io"

	"github.com/CiaranWoodward/mbus/wire"
)

// ModuleID is the broker assigned id of a connected module
type ModuleID int32

// TypeID is the broker assigned id of a message type name
type TypeID int32

// Reserved destination addresses
const (
	// Broadcast delivers to every connected module except the sender
	Broadcast ModuleID = -1
	// ByType delivers to every module that registered interest in the message type
	ByType ModuleID = -2
	// Bounce delivers back to the sender only
	Bounce ModuleID = -3
	// BrokerAddr addresses the broker itself (control requests)
	BrokerAddr ModuleID = -4
)

// NoType is the type id carried by control traffic
const NoType TypeID = 0

// HeaderLen is the size of the fixed envelope header in bytes
const HeaderLen = 4 + 4 + 4 + 1 + 4 + 4

// MaxPayload bounds a single envelope payload
const MaxPayload = 64 << 20

// Option distinguishes the kinds of traffic sharing the envelope
type Option uint8

const (
	// Ordinary module-to-module data
	OptData Option = iota
	// Client to broker control request
	OptRequest
	// Broker to client control reply, Seq matches the request
	OptReply
	// Broker to client direct channel introduction
	OptIntro
)

func (o Option) String() string {
	switch o {
	case OptData:
		return "data"
	case OptRequest:
		return "request"
	case OptReply:
		return "reply"
	case OptIntro:
		return "intro"
	}
	return fmt.Sprintf("option(%d)", uint8(o))
}

// Module describes one connected bus participant
type Module struct {
	ID   ModuleID `json:"id" msgpack:"id"`
	Name string   `json:"n" msgpack:"n"`
	Host string   `json:"h" msgpack:"h"`
}

// Message is a single framed bus message
type Message struct {
	To      ModuleID
	From    ModuleID
	Seq     int32
	Option  Option
	Type    TypeID
	Payload []byte
}

// Len is the payload length carried in the envelope header
func (m *Message) Len() int {
	return len(m.Payload)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %d->%d seq=%d type=%d len=%d", m.Option, m.From, m.To, m.Seq, m.Type, len(m.Payload))
}

// IsAddress reports whether id is a reserved address rather than a module
func IsAddress(id ModuleID) bool {
	return id < 0
}

// WriteMessage frames m onto w with a single Write call, so that concurrent
// writers serialised by a mutex never interleave partial frames.
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrProtocol, len(m.Payload))
	}
	var buf bytes.Buffer
	buf.Grow(HeaderLen + len(m.Payload))
	ww := wire.NewWriter(&buf)
	// Writes to a bytes.Buffer cannot fail
	ww.WriteInt32(int32(m.To))
	ww.WriteInt32(int32(m.From))
	ww.WriteInt32(m.Seq)
	ww.WriteUint8(uint8(m.Option))
	ww.WriteInt32(int32(m.Type))
	ww.WriteInt32(int32(len(m.Payload)))
	ww.WriteBytes(m.Payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadMessage reads exactly one framed message from r.
// A clean close before the first header byte returns io.EOF.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	wr := wire.NewReader(bytes.NewReader(hdr[:]))
	m := &Message{}
	to, _ := wr.ReadInt32()
	from, _ := wr.ReadInt32()
	m.Seq, _ = wr.ReadInt32()
	opt, _ := wr.ReadUint8()
	typ, _ := wr.ReadInt32()
	length, _ := wr.ReadInt32()
	m.To, m.From, m.Option, m.Type = ModuleID(to), ModuleID(from), Option(opt), TypeID(typ)

	if length < 0 || length > MaxPayload {
		return nil, fmt.Errorf("%w: bad payload length %d", ErrProtocol, length)
	}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return m, nil
}
