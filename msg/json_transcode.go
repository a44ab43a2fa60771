package msg

import (
	"encoding/json"
)

// JSON Implementation of the Transcoder interface, mainly for debugging with
// a packet capture
type JsonTranscoder struct {
}

func (*JsonTranscoder) Encode(msgin Control) (msgout []byte, ok bool) {
	msgout, err := json.Marshal(msgin)
	ok = (err == nil)
	return
}

func (*JsonTranscoder) Decode(msgin []byte) (msgout Control, ok bool) {
	err := json.Unmarshal(msgin, &msgout)
	ok = (err == nil)
	return
}
