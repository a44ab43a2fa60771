package msg

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MessagePack Implementation of the Transcoder interface
type MsgpackTranscoder struct {
}

func (*MsgpackTranscoder) Encode(msgin Control) (msgout []byte, ok bool) {
	msgout, err := msgpack.Marshal(&msgin)
	ok = (err == nil)
	return
}

func (*MsgpackTranscoder) Decode(msgin []byte) (msgout Control, ok bool) {
	err := msgpack.Unmarshal(msgin, &msgout)
	ok = (err == nil)
	return
}
