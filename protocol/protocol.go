/*
Package protocol defines the ASCII payloads spoken between file clients and the
per-host file daemon (busd).

Directory listing, carried in ordinary data messages:
 - Request, type "busd_dirlist":
    - "<kind> <replyType> <path>"
 - Reply, type replyType chosen by the requester:
    - "<kind> <count> <name> <name> ..."
    - count -1 reports that the directory could not be opened

File transfer, carried on a direct channel of type "busd_get" or "busd_put":
 - Header, a length prefixed string written once by the initiator:
    - "<direction> <remotePath> <localPath>"
 - Open status from each side (int32, 0 ready, 1 failed)
 - Raw file bytes in the transfer direction until end of stream

Fields are separated by single spaces. Inside names and paths a space is
written as %20 and a percent sign as %25; names without either character are
sent unchanged.
*/
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CiaranWoodward/mbus/msg"
)

// Message type names used by the file daemon
const (
	TypeDirList = "busd_dirlist"
	TypeGet     = "busd_get"
	TypePut     = "busd_put"
)

// DaemonPrefix is prepended to the dotted IPv4 address of a host to name its file daemon
const DaemonPrefix = "busd_"

// Kind selects which directory entries a listing returns
type Kind int

const (
	Directory Kind = iota
	File
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case File:
		return "file"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) valid() bool {
	return k == Directory || k == File
}

// Direction of a file transfer, seen from the initiator
type Direction int

const (
	// Get copies a remote file to the local host
	Get Direction = iota
	// Put copies a local file to the remote host
	Put
)

func (d Direction) String() string {
	switch d {
	case Get:
		return "get"
	case Put:
		return "put"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// TypeName is the direct channel type used for transfers in direction d
func (d Direction) TypeName() string {
	if d == Put {
		return TypePut
	}
	return TypeGet
}

var (
	escaper   = strings.NewReplacer("%", "%25", " ", "%20")
	unescaper = strings.NewReplacer("%20", " ", "%25", "%")
)

// Escape makes a name or path safe to place in a space separated field
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape
func Unescape(s string) string {
	return unescaper.Replace(s)
}

func malformed(what, payload string) error {
	return msg.NewError(msg.PROTOCOL_ERROR, "malformed %s %q", what, payload)
}

// DirRequest asks a file daemon for a directory listing
type DirRequest struct {
	Kind      Kind
	ReplyType msg.TypeID
	Path      string
}

// Encode renders the request payload
func (r DirRequest) Encode() []byte {
	return []byte(fmt.Sprintf("%d %d %s", r.Kind, r.ReplyType, Escape(r.Path)))
}

// DecodeDirRequest parses a request payload
func DecodeDirRequest(p []byte) (DirRequest, error) {
	s := string(p)
	fields := strings.SplitN(s, " ", 3)
	if len(fields) != 3 {
		return DirRequest{}, malformed("directory request", s)
	}
	kind, err1 := strconv.Atoi(fields[0])
	reply, err2 := strconv.ParseInt(fields[1], 10, 32)
	if err1 != nil || err2 != nil || !Kind(kind).valid() {
		return DirRequest{}, malformed("directory request", s)
	}
	return DirRequest{Kind: Kind(kind), ReplyType: msg.TypeID(reply), Path: Unescape(fields[2])}, nil
}

// DirReply is the decoded form of a listing reply. Failed replaces the
// negative count used on the wire.
type DirReply struct {
	Kind    Kind
	Entries []string
	Failed  bool
}

// Encode renders the reply payload
func (r DirReply) Encode() []byte {
	if r.Failed {
		return []byte(fmt.Sprintf("%d -1", r.Kind))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %d", r.Kind, len(r.Entries))
	for _, e := range r.Entries {
		sb.WriteByte(' ')
		sb.WriteString(Escape(e))
	}
	return []byte(sb.String())
}

// DecodeDirReply parses a reply payload
func DecodeDirReply(p []byte) (DirReply, error) {
	s := string(p)
	fields := strings.Split(s, " ")
	if len(fields) < 2 {
		return DirReply{}, malformed("directory reply", s)
	}
	kind, err1 := strconv.Atoi(fields[0])
	count, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || !Kind(kind).valid() {
		return DirReply{}, malformed("directory reply", s)
	}
	r := DirReply{Kind: Kind(kind)}
	if count < 0 {
		r.Failed = true
		return r, nil
	}
	names := fields[2:]
	if len(names) != count {
		return DirReply{}, msg.NewError(msg.PROTOCOL_ERROR, "directory reply announces %d entries, carries %d", count, len(names))
	}
	r.Entries = make([]string, count)
	for i, n := range names {
		r.Entries[i] = Unescape(n)
	}
	return r, nil
}

// TransferHeader opens a file transfer session
type TransferHeader struct {
	Direction Direction
	Remote    string
	Local     string
}

// Encode renders the header string
func (h TransferHeader) Encode() string {
	return fmt.Sprintf("%d %s %s", h.Direction, Escape(h.Remote), Escape(h.Local))
}

// DecodeTransferHeader parses a header string. Peers that do not escape
// their paths may send blanks inside them: the local path is taken to be the
// last field and everything between the direction and it is the remote path,
// which is the one the daemon opens.
func DecodeTransferHeader(s string) (TransferHeader, error) {
	fields := strings.SplitN(s, " ", 2)
	if len(fields) != 2 {
		return TransferHeader{}, malformed("transfer header", s)
	}
	dir, err := strconv.Atoi(fields[0])
	if err != nil || (Direction(dir) != Get && Direction(dir) != Put) {
		return TransferHeader{}, malformed("transfer header", s)
	}
	i := strings.LastIndexByte(fields[1], ' ')
	if i <= 0 {
		return TransferHeader{}, malformed("transfer header", s)
	}
	return TransferHeader{
		Direction: Direction(dir),
		Remote:    Unescape(fields[1][:i]),
		Local:     Unescape(fields[1][i+1:]),
	}, nil
}
