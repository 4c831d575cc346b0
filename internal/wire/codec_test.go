package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRequests(t *testing.T) {
	cases := []Request{
		{Class: ClassBERead, Substring: "abc"},
		{Class: ClassLCRead, Key: 0},
		{Class: ClassLCRead, Key: Capacity - 1},
		{Class: ClassLCWrite, Key: 42, Username: "alice"},
		{Class: ClassLCWrite, Key: 42, Username: ""},
	}
	for _, req := range cases {
		buf := EncodeRequest(req)
		got, err := DecodeRequest(buf)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

func TestRoundTripOpenRequests(t *testing.T) {
	cases := []Request{
		{Class: ClassBERead, Substring: "xyz"},
		{Class: ClassLCRead, Key: 7},
		{Class: ClassLCWrite, Key: 7, Username: "bob"},
	}
	for _, req := range cases {
		buf := EncodeOpenRequest(req, 0xDEADBEEF)
		got, reqID, err := DecodeOpenRequest(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xDEADBEEF), reqID)
		assert.Equal(t, req, got)
	}
}

func TestRoundTripResponses(t *testing.T) {
	name := "carol"
	cases := []Response{
		{Class: ClassBERead, Freq: 17},
		{Class: ClassLCRead, Username: &name},
		{Class: ClassLCRead, Username: nil},
		{Class: ClassLCWrite, Username: nil},
	}
	for _, res := range cases {
		buf := EncodeResponse(res)
		got, err := DecodeResponse(buf)
		require.NoError(t, err)
		assert.Equal(t, res, got)
	}
}

func TestDecodeRequestPacketTooShort(t *testing.T) {
	_, err := DecodeRequest([]byte{lcReadByte, 0, 0})
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PacketTooShort, pe.Kind)
}

func TestDecodeRequestTrailingGarbageIsUnexpectedLength(t *testing.T) {
	buf := EncodeRequest(Request{Class: ClassLCRead, Key: 3})
	buf = append(buf, 0xFF)
	_, err := DecodeRequest(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnexpectedLength, pe.Kind)
}

func TestDecodeRequestInvalidMessageType(t *testing.T) {
	buf := EncodeRequest(Request{Class: ClassLCRead, Key: 3})
	buf[0] = 0xFE
	_, err := DecodeRequest(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, InvalidMessageType, pe.Kind)
	assert.Equal(t, byte(0xFE), pe.Byte)
}

func TestDecodeRequestLcReadWrongLength(t *testing.T) {
	buf := EncodeRequest(Request{Class: ClassBERead, Substring: "ab"})
	buf[0] = lcReadByte // now claims LcRead but payload_len is 2, not 8
	_, err := DecodeRequest(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnexpectedLength, pe.Kind)
	assert.Equal(t, 8, pe.Expected)
}

func TestDecodeRequestLcWritePayloadTooShortForKey(t *testing.T) {
	buf := frame(lcWriteByte, []byte{1, 2, 3})
	_, err := DecodeRequest(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PacketTooShort, pe.Kind)
}

func TestDecodeOpenRequestLcReadAccountsForPrefix(t *testing.T) {
	// A closed-loop-shaped LcRead frame (8-byte payload) is wrong for
	// open-loop decoding: the open decoder expects 16 (req_id + key).
	buf := EncodeRequest(Request{Class: ClassLCRead, Key: 9})
	_, _, err := DecodeOpenRequest(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnexpectedLength, pe.Kind)
	assert.Equal(t, 16, pe.Expected)
}

func TestDecodeResponseUnexpectedOptionType(t *testing.T) {
	buf := frame(lcReadByte, []byte{0x02})
	_, err := DecodeResponse(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnexpectedOptionType, pe.Kind)
	assert.Equal(t, byte(0x02), pe.Byte)
}

func TestDecodeResponseBeReadWrongLength(t *testing.T) {
	buf := frame(beByte, []byte{1, 2, 3})
	_, err := DecodeResponse(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnexpectedLength, pe.Kind)
	assert.Equal(t, 8, pe.Expected)
}

func TestDecodeResponsePacketTooShortForOptionTag(t *testing.T) {
	buf := frame(lcWriteByte, nil)
	_, err := DecodeResponse(buf)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PacketTooShort, pe.Kind)
}

func TestDecodeRequestBadUTF8DoesNotFail(t *testing.T) {
	buf := frame(beByte, []byte{0xFF, 0xFE, 0xFD})
	req, err := DecodeRequest(buf)
	require.NoError(t, err)
	assert.NotEmpty(t, req.Substring)
}

// FuzzDecodeRequest ensures the decoder never panics on arbitrary input.
func FuzzDecodeRequest(f *testing.F) {
	f.Add(EncodeRequest(Request{Class: ClassBERead, Substring: "seed"}))
	f.Add(EncodeRequest(Request{Class: ClassLCRead, Key: 1}))
	f.Add(EncodeRequest(Request{Class: ClassLCWrite, Key: 1, Username: "seed"}))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeRequest(data)
	})
}

// FuzzDecodeResponse ensures the decoder never panics on arbitrary input.
func FuzzDecodeResponse(f *testing.F) {
	name := "seed"
	f.Add(EncodeResponse(Response{Class: ClassBERead, Freq: 1}))
	f.Add(EncodeResponse(Response{Class: ClassLCRead, Username: &name}))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeResponse(data)
	})
}
