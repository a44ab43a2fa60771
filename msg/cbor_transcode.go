package msg

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR Implementation of the Transcoder interface.
// This is the default control codec; field keys come from the json struct tags.
type CborTranscoder struct {
}

func (*CborTranscoder) Encode(msgin Control) (msgout []byte, ok bool) {
	msgout, err := cbor.Marshal(msgin)
	ok = (err == nil)
	return
}

func (*CborTranscoder) Decode(msgin []byte) (msgout Control, ok bool) {
	err := cbor.Unmarshal(msgin, &msgout)
	ok = (err == nil)
	return
}
