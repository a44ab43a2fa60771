package msg

import "fmt"

/*
Control payloads carried in OptRequest / OptReply / OptIntro envelopes.

Every control payload contains:
 - Map of "mbusver" : 1
   - Can be incremented for future versions
 - Exactly one command field
   - Requests travel client to broker with To = BrokerAddr
   - Replies travel broker to client with the request's Seq

Commands:
 - Identify Request (C->B)
    - Name, Host
 - Identify Response (C<-B)
    - Id: ModuleID
 - Find Request (C->B)
    - Name, or Id when ById is set
 - Find Response (C<-B)
    - Status, Module
 - List Request (C->B)
 - List Response (C<-B)
    - Modules: every connected module, sorted by id
 - Type Request (C->B)
    - Name: minted on first reference
 - Type Response (C<-B)
    - Type: TypeID
 - Register Request (C->B)
    - Type: opt in to ByType fan-out
 - Register Response (C<-B)
 - Direct Request (C->B)
    - To, Type, Addr (requester's listening endpoint), Token
 - Direct Response (C<-B)
    - Status: NOT_FOUND if the target is not connected
 - Direct Introduction (R<-B)
    - Addr, Token: forwarded to the target, envelope From is the requester
*/

// Version type, only version 1 currently supported
type Version int

const MyVersion Version = 1

// Control is the highest level structure carried in control envelopes
type Control struct {
	Version   Version           `json:"mbusver" msgpack:"mbusver"`
	IdReq     *IdentifyRequest  `json:"ir,omitempty" msgpack:"ir,omitempty"`
	IdRes     *IdentifyResponse `json:"IR,omitempty" msgpack:"IR,omitempty"`
	FindReq   *FindRequest      `json:"fr,omitempty" msgpack:"fr,omitempty"`
	FindRes   *FindResponse     `json:"FR,omitempty" msgpack:"FR,omitempty"`
	ListReq   *ListRequest      `json:"lr,omitempty" msgpack:"lr,omitempty"`
	ListRes   *ListResponse     `json:"LR,omitempty" msgpack:"LR,omitempty"`
	TypeReq   *TypeRequest      `json:"tr,omitempty" msgpack:"tr,omitempty"`
	TypeRes   *TypeResponse     `json:"TR,omitempty" msgpack:"TR,omitempty"`
	RegReq    *RegisterRequest  `json:"gr,omitempty" msgpack:"gr,omitempty"`
	RegRes    *RegisterResponse `json:"GR,omitempty" msgpack:"GR,omitempty"`
	DirectReq *DirectRequest    `json:"dr,omitempty" msgpack:"dr,omitempty"`
	DirectRes *DirectResponse   `json:"DR,omitempty" msgpack:"DR,omitempty"`
	Intro     *DirectIntro      `json:"DI,omitempty" msgpack:"DI,omitempty"`
}

// IdentifyRequest names the connecting module
type IdentifyRequest struct {
	Name string `json:"n" msgpack:"n"`
	Host string `json:"h" msgpack:"h"`
}

// IdentifyResponse carries the id assigned by the broker
type IdentifyResponse struct {
	Id ModuleID `json:"id" msgpack:"id"`
}

// FindRequest looks a module up by name, or by id when ById is set
type FindRequest struct {
	Name string   `json:"n,omitempty" msgpack:"n,omitempty"`
	Id   ModuleID `json:"id" msgpack:"id"`
	ById bool     `json:"bi,omitempty" msgpack:"bi,omitempty"`
}

// FindResponse is the response to FindRequest
type FindResponse struct {
	Status Status `json:"sta" msgpack:"sta"`
	Module Module `json:"m" msgpack:"m"`
}

// ListRequest asks for every connected module
type ListRequest struct {
}

// ListResponse lists all connected modules, including the requester
type ListResponse struct {
	Modules []Module `json:"o" msgpack:"o"`
}

// TypeRequest finds or creates a message type by name
type TypeRequest struct {
	Name string `json:"n" msgpack:"n"`
}

// TypeResponse is the response to TypeRequest
type TypeResponse struct {
	Type TypeID `json:"t" msgpack:"t"`
}

// RegisterRequest opts the requester into ByType delivery of Type
type RegisterRequest struct {
	Type TypeID `json:"t" msgpack:"t"`
}

// RegisterResponse is the response to RegisterRequest
type RegisterResponse struct {
	Status Status `json:"sta" msgpack:"sta"`
}

// DirectRequest asks the broker to introduce the requester to module To
type DirectRequest struct {
	To    ModuleID `json:"to" msgpack:"to"`
	Type  TypeID   `json:"t" msgpack:"t"`
	Addr  string   `json:"a" msgpack:"a"`
	Token string   `json:"k" msgpack:"k"`
}

// DirectResponse is the response to DirectRequest
type DirectResponse struct {
	Status Status `json:"sta" msgpack:"sta"`
}

// DirectIntro is forwarded by the broker to the target of a DirectRequest
type DirectIntro struct {
	Addr  string `json:"a" msgpack:"a"`
	Token string `json:"k" msgpack:"k"`
}

// Command names the single command field set in c, for logging
func (c *Control) Command() string {
	switch {
	case c.IdReq != nil:
		return "identify-request"
	case c.IdRes != nil:
		return "identify-response"
	case c.FindReq != nil:
		return "find-request"
	case c.FindRes != nil:
		return "find-response"
	case c.ListReq != nil:
		return "list-request"
	case c.ListRes != nil:
		return "list-response"
	case c.TypeReq != nil:
		return "type-request"
	case c.TypeRes != nil:
		return "type-response"
	case c.RegReq != nil:
		return "register-request"
	case c.RegRes != nil:
		return "register-response"
	case c.DirectReq != nil:
		return "direct-request"
	case c.DirectRes != nil:
		return "direct-response"
	case c.Intro != nil:
		return "direct-intro"
	}
	return "empty"
}

// The transcoder interface serializes/deserializes control payloads to byte arrays.
// This allows for flexibility in payload format for development/testing, and decouples
// the control format from the envelope framing.
type Transcoder interface {
	Encode(msgin Control) (msgout []byte, ok bool)
	Decode(msgin []byte) (msgout Control, ok bool)
}

// NewTranscoder returns the transcoder registered under name.
// The empty name selects CBOR.
func NewTranscoder(name string) (Transcoder, error) {
	switch name {
	case "", "cbor":
		return &CborTranscoder{}, nil
	case "json":
		return &JsonTranscoder{}, nil
	case "msgpack":
		return &MsgpackTranscoder{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// EncodeControl wraps a control payload into an envelope of the given option
func EncodeControl(tc Transcoder, opt Option, to ModuleID, seq int32, c Control) (*Message, error) {
	c.Version = MyVersion
	b, ok := tc.Encode(c)
	if !ok {
		return nil, fmt.Errorf("%w: cannot encode %s", ErrProtocol, c.Command())
	}
	return &Message{To: to, Seq: seq, Option: opt, Type: NoType, Payload: b}, nil
}

// DecodeControl extracts the control payload of m
func DecodeControl(tc Transcoder, m *Message) (Control, error) {
	c, ok := tc.Decode(m.Payload)
	if !ok {
		return c, fmt.Errorf("%w: undecodable %s payload", ErrProtocol, m.Option)
	}
	if c.Version != MyVersion {
		return c, fmt.Errorf("%w: unsupported control version %d", ErrProtocol, c.Version)
	}
	return c, nil
}
