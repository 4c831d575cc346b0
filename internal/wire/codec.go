package wire

import (
	"encoding/binary"
	"strings"
)

// EncodeRequest serializes a closed-loop request frame. Infallible for
// any well-formed Request.
func EncodeRequest(req Request) []byte {
	return frame(req.Class.byte(), encodeRequestPayload(req, nil))
}

// EncodeOpenRequest serializes an open-loop request frame: the payload
// is prefixed with the 8-byte big-endian request ID (spec §3).
func EncodeOpenRequest(req Request, reqID uint64) []byte {
	return frame(req.Class.byte(), encodeRequestPayload(req, &reqID))
}

// EncodeResponse serializes a response frame. Infallible for any
// well-formed Response.
func EncodeResponse(res Response) []byte {
	return frame(res.Class.byte(), encodeResponsePayload(res))
}

// DecodeRequest parses a complete closed-loop request frame. buf must
// contain exactly one frame's worth of bytes.
func DecodeRequest(buf []byte) (Request, error) {
	req, _, err := decodeRequest(buf, false)
	return req, err
}

// DecodeOpenRequest parses a complete open-loop request frame,
// returning the embedded request ID alongside the decoded Request.
func DecodeOpenRequest(buf []byte) (Request, uint64, error) {
	return decodeRequest(buf, true)
}

// DecodeResponse parses a complete response frame. The wire kind byte
// alone identifies the response class (BE=6/LC_READ=7/LC_WRITE=8);
// matching it against the class the caller was expecting is the
// connection state machine's job (internal/conn), not the codec's —
// see spec §9 "Response parsing edge".
func DecodeResponse(buf []byte) (Response, error) {
	class, payload, err := decodeHeader(buf)
	if err != nil {
		return Response{}, err
	}
	return decodeResponsePayload(class, payload)
}

func frame(kind byte, payload []byte) []byte {
	out := make([]byte, 0, 1+LenLength+len(payload))
	out = append(out, kind)
	var lb [LenLength]byte
	binary.BigEndian.PutUint64(lb[:], uint64(len(payload)))
	out = append(out, lb[:]...)
	out = append(out, payload...)
	return out
}

// decodeHeader validates the 1+8-byte header and returns the class and
// the exact payload slice. It rejects both under-read (PacketTooShort)
// and over-read (UnexpectedLength) per spec §4.1.
func decodeHeader(buf []byte) (Class, []byte, error) {
	if len(buf) < 1+LenLength {
		return 0, nil, &ParseError{Kind: PacketTooShort}
	}
	class, err := classFromByte(buf[0])
	if err != nil {
		return 0, nil, err
	}
	payloadLen := binary.BigEndian.Uint64(buf[1 : 1+LenLength])
	remaining := uint64(len(buf) - (1 + LenLength))
	if remaining < payloadLen {
		return 0, nil, &ParseError{Kind: PacketTooShort}
	}
	if remaining > payloadLen {
		return 0, nil, &ParseError{
			Kind:     UnexpectedLength,
			Actual:   len(buf),
			Expected: 1 + LenLength + int(payloadLen),
		}
	}
	return class, buf[1+LenLength:], nil
}

// requestFixedLen returns the declared fixed payload length for a
// request class, and whether the length is fixed at all (spec §3
// invariant: "LC read request: 8 bytes"). hasReqID accounts for the
// open-loop request-ID prefix being part of the payload.
func requestFixedLen(class Class, hasReqID bool) (length int, fixed bool) {
	extra := 0
	if hasReqID {
		extra = LenLength
	}
	switch class {
	case ClassLCRead:
		return LenLength + extra, true
	default:
		return 0, false
	}
}

func encodeRequestPayload(req Request, reqID *uint64) []byte {
	var payload []byte
	if reqID != nil {
		var b [LenLength]byte
		binary.BigEndian.PutUint64(b[:], *reqID)
		payload = append(payload, b[:]...)
	}
	switch req.Class {
	case ClassBERead:
		payload = append(payload, []byte(req.Substring)...)
	case ClassLCRead:
		var b [LenLength]byte
		binary.BigEndian.PutUint64(b[:], req.Key)
		payload = append(payload, b[:]...)
	case ClassLCWrite:
		var b [LenLength]byte
		binary.BigEndian.PutUint64(b[:], req.Key)
		payload = append(payload, b[:]...)
		payload = append(payload, []byte(req.Username)...)
	}
	return payload
}

func decodeRequest(buf []byte, hasReqID bool) (Request, uint64, error) {
	class, payload, err := decodeHeader(buf)
	if err != nil {
		return Request{}, 0, err
	}
	if fixedLen, ok := requestFixedLen(class, hasReqID); ok && len(payload) != fixedLen {
		return Request{}, 0, &ParseError{Kind: UnexpectedLength, Actual: len(payload), Expected: fixedLen}
	}

	var reqID uint64
	if hasReqID {
		if len(payload) < LenLength {
			return Request{}, 0, &ParseError{Kind: PacketTooShort}
		}
		reqID = binary.BigEndian.Uint64(payload[:LenLength])
		payload = payload[LenLength:]
	}

	req := Request{Class: class}
	switch class {
	case ClassBERead:
		req.Substring = lossyUTF8(payload)
	case ClassLCRead:
		if len(payload) != LenLength {
			return Request{}, 0, &ParseError{Kind: UnexpectedLength, Actual: len(payload), Expected: LenLength}
		}
		req.Key = binary.BigEndian.Uint64(payload)
	case ClassLCWrite:
		if len(payload) < LenLength {
			return Request{}, 0, &ParseError{Kind: PacketTooShort}
		}
		req.Key = binary.BigEndian.Uint64(payload[:LenLength])
		req.Username = lossyUTF8(payload[LenLength:])
	default:
		return Request{}, 0, malformed("unreachable request class")
	}
	return req, reqID, nil
}

func encodeResponsePayload(res Response) []byte {
	switch res.Class {
	case ClassBERead:
		var b [LenLength]byte
		binary.BigEndian.PutUint64(b[:], res.Freq)
		return b[:]
	case ClassLCRead, ClassLCWrite:
		if res.Username == nil {
			return []byte{noneByte}
		}
		payload := make([]byte, 0, 1+len(*res.Username))
		payload = append(payload, someByte)
		payload = append(payload, []byte(*res.Username)...)
		return payload
	default:
		return nil
	}
}

func decodeResponsePayload(class Class, payload []byte) (Response, error) {
	res := Response{Class: class}
	switch class {
	case ClassBERead:
		if len(payload) != LenLength {
			return Response{}, &ParseError{Kind: UnexpectedLength, Actual: len(payload), Expected: LenLength}
		}
		res.Freq = binary.BigEndian.Uint64(payload)
	case ClassLCRead, ClassLCWrite:
		if len(payload) < 1 {
			return Response{}, &ParseError{Kind: PacketTooShort}
		}
		switch payload[0] {
		case noneByte:
			res.Username = nil
		case someByte:
			s := lossyUTF8(payload[1:])
			res.Username = &s
		default:
			return Response{}, &ParseError{Kind: UnexpectedOptionType, Byte: payload[0]}
		}
	default:
		return Response{}, malformed("unreachable response class")
	}
	return res, nil
}

// lossyUTF8 replaces invalid UTF-8 sequences rather than failing to
// decode, per spec §4.1 ("the decoder MUST NOT fail on bad UTF-8").
// Go's string() conversion keeps invalid sequences as-is, so each run
// of invalid bytes is replaced with U+FFFD and a decoded string is
// always valid UTF-8.
func lossyUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
