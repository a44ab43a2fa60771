package msg

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controlTestElement struct {
	name      string
	ctl       Control
	hexString string
}

var controlTestVec = []controlTestElement{
	{
		"List Request",
		Control{Version: MyVersion, ListReq: &ListRequest{}},
		"a2676d62757376657201626c72a0",
	},
	{
		"Identify Request",
		Control{Version: MyVersion, IdReq: &IdentifyRequest{Name: "busd_10.0.0.2", Host: "10.0.0.2"}},
		"",
	},
	{
		"List Response",
		Control{Version: MyVersion, ListRes: &ListResponse{Modules: []Module{{1, "viewer", "10.0.0.1"}, {7, "busd_10.0.0.2", "10.0.0.2"}}}},
		"",
	},
	{
		"Find Response",
		Control{Version: MyVersion, FindRes: &FindResponse{Status: NOT_FOUND}},
		"",
	},
	{
		"Direct Request",
		Control{Version: MyVersion, DirectReq: &DirectRequest{To: 3, Type: 12, Addr: "10.0.0.1:40123", Token: "abc"}},
		"",
	},
}

// Loopback every control command through every codec
func TestTranscoders(t *testing.T) {
	for _, codec := range []string{"cbor", "json", "msgpack"} {
		tc, err := NewTranscoder(codec)
		require.NoError(t, err)
		for _, testElem := range controlTestVec {
			t.Run(codec+"/"+testElem.name, func(t *testing.T) {
				encoded, ok := tc.Encode(testElem.ctl)
				assert.True(t, ok)

				// Only the CBOR form is pinned down byte for byte
				if codec == "cbor" && testElem.hexString != "" {
					exBytes, _ := hex.DecodeString(testElem.hexString)
					assert.Equal(t, exBytes, encoded)
				}

				ctlOut, ok := tc.Decode(encoded)
				assert.True(t, ok)
				assert.Equal(t, testElem.ctl, ctlOut)
			})
		}
	}

	_, err := NewTranscoder("xml")
	assert.Error(t, err)
}

func TestControlEnvelope(t *testing.T) {
	tc := &CborTranscoder{}
	m, err := EncodeControl(tc, OptRequest, BrokerAddr, 42, Control{TypeReq: &TypeRequest{Name: "busd_get"}})
	require.NoError(t, err)
	assert.Equal(t, BrokerAddr, m.To)
	assert.Equal(t, int32(42), m.Seq)
	assert.Equal(t, NoType, m.Type)

	ctl, err := DecodeControl(tc, m)
	require.NoError(t, err)
	assert.Equal(t, "type-request", ctl.Command())
	assert.Equal(t, "busd_get", ctl.TypeReq.Name)

	_, err = DecodeControl(tc, &Message{Option: OptReply, Payload: []byte{0xff, 0x00}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEnvelopeFraming(t *testing.T) {
	var buf bytes.Buffer
	m := &Message{To: Broadcast, From: 5, Seq: 9, Option: OptData, Type: 3, Payload: []byte{0x00, 0x41}}
	require.NoError(t, WriteMessage(&buf, m))
	assert.Equal(t,
		"ffffffff"+"00000005"+"00000009"+"00"+"00000003"+"00000002"+"0041",
		hex.EncodeToString(buf.Bytes()))

	out, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, out)

	_, err = ReadMessage(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestZeroLengthPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{To: Bounce, Type: 1}))
	assert.Equal(t, HeaderLen, buf.Len())

	out, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, Bounce, out.To)
}

func TestMalformedEnvelope(t *testing.T) {
	hdr, _ := hex.DecodeString("00000001" + "00000002" + "00000000" + "00" + "00000001" + "ffffffff")
	_, err := ReadMessage(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrProtocol)

	truncated, _ := hex.DecodeString("00000001" + "00000002" + "00000000" + "00" + "00000001" + "00000004" + "aabb")
	_, err = ReadMessage(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStatusErrors(t *testing.T) {
	err := fmt.Errorf("listing %q: %w", "/nope", NewError(OPEN_FAILED, "no such directory"))
	assert.True(t, errors.Is(err, ErrOpenFailed))
	assert.False(t, errors.Is(err, ErrHostUnknown))
	assert.Equal(t, OPEN_FAILED, StatusOf(err))
	assert.Equal(t, SUCCESS, StatusOf(nil))
	assert.Equal(t, CONNECT_FAILED, StatusOf(io.EOF))
	assert.Equal(t, "unknown host", ErrHostUnknown.Error())
	assert.Nil(t, SUCCESS.Err())
	assert.ErrorIs(t, NOT_FOUND.Err(), ErrNotFound)
}
