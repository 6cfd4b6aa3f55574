// Package wire packs and unpacks the little-endian records exchanged
// with the x-tunnel server, per spec.md §4.1.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the leading byte of every framed record.
const Magic = 'P'

// ProtocolVersion is the wire protocol version this client speaks.
const ProtocolVersion = 2

// Pack types.
const (
	PackLogin     = 1
	PackRoundTrip = 2
	PackError     = 3
)

// Error codes carried in a PackError body.
const (
	ErrNoQuota        = 1
	ErrUnpack         = 2
	ErrSessionMissing = 3
)

var errShort = errors.New("wire: buffer too short")

// LoginRequest is pack_type=1 outbound.
type LoginRequest struct {
	SessionID     [8]byte
	MaxPayload    uint32
	SendDelay     uint16
	WindowsSize   uint32
	WindowsAck    uint32
	ResendTimeout uint16
	AckDelay      uint16
	Account       string
	Password      string
}

// MarshalLoginRequest packs a login request per spec.md §4.1.
func MarshalLoginRequest(r LoginRequest) []byte {
	buf := make([]byte, 0, 64+len(r.Account)+len(r.Password))
	buf = append(buf, Magic, ProtocolVersion, PackLogin)
	buf = append(buf, r.SessionID[:]...)
	buf = appendU32(buf, r.MaxPayload)
	buf = appendU16(buf, r.SendDelay)
	buf = appendU32(buf, r.WindowsSize)
	buf = appendU32(buf, r.WindowsAck)
	buf = appendU16(buf, r.ResendTimeout)
	buf = appendU16(buf, r.AckDelay)
	buf = appendLenPrefixedString(buf, r.Account)
	buf = appendLenPrefixedString(buf, r.Password)
	return buf
}

// LoginResponse is pack_type=1 inbound.
type LoginResponse struct {
	Res     uint8
	Message string
}

// MarshalLoginResponse packs a login response, used by test servers.
func MarshalLoginResponse(r LoginResponse) []byte {
	buf := make([]byte, 0, 6+len(r.Message))
	buf = append(buf, Magic, ProtocolVersion, PackLogin, r.Res)
	buf = appendU16(buf, uint16(len(r.Message)))
	buf = append(buf, r.Message...)
	return buf
}

// UnmarshalLoginResponse parses a login response body (magic..end).
func UnmarshalLoginResponse(data []byte) (LoginResponse, error) {
	if len(data) < 6 {
		return LoginResponse{}, errShort
	}
	if data[0] != Magic || data[1] != ProtocolVersion || data[2] != PackLogin {
		return LoginResponse{}, fmt.Errorf("wire: bad login response header % x", data[:3])
	}
	res := data[3]
	msgLen := binary.LittleEndian.Uint16(data[4:6])
	if len(data) < 6+int(msgLen) {
		return LoginResponse{}, errShort
	}
	return LoginResponse{Res: res, Message: string(data[6 : 6+int(msgLen)])}, nil
}

// RoundTripRequest is pack_type=2 outbound.
type RoundTripRequest struct {
	SessionID     [8]byte
	TransferNo    uint32
	ServerTimeout uint8
	Data          []byte
	Ack           []byte
}

// MarshalRoundTripRequest packs a round-trip request per spec.md §4.1.
func MarshalRoundTripRequest(r RoundTripRequest) []byte {
	buf := make([]byte, 0, 20+len(r.Data)+len(r.Ack))
	buf = append(buf, Magic, ProtocolVersion, PackRoundTrip)
	buf = append(buf, r.SessionID[:]...)
	buf = appendU32(buf, r.TransferNo)
	buf = append(buf, r.ServerTimeout)
	buf = appendU32(buf, uint32(len(r.Data)))
	buf = appendU16(buf, uint16(len(r.Ack)))
	buf = append(buf, r.Data...)
	buf = append(buf, r.Ack...)
	return buf
}

// RoundTripResponse is pack_type=2 inbound.
type RoundTripResponse struct {
	TimeCostMs        uint32
	ServerSendPool    uint32
	Data              []byte
	Ack               []byte
}

// UnmarshalRoundTripResponse parses a round-trip response body
// (starting right after the 3-byte magic/version/pack_type header,
// which the caller has already validated).
func UnmarshalRoundTripResponse(data []byte) (RoundTripResponse, error) {
	if len(data) < 14 {
		return RoundTripResponse{}, errShort
	}
	timeCost := binary.LittleEndian.Uint32(data[0:4])
	pool := binary.LittleEndian.Uint32(data[4:8])
	dataLen := binary.LittleEndian.Uint32(data[8:12])
	ackLen := binary.LittleEndian.Uint16(data[12:14])
	rest := data[14:]
	if uint32(len(rest)) < dataLen+uint32(ackLen) {
		return RoundTripResponse{}, errShort
	}
	return RoundTripResponse{
		TimeCostMs:     timeCost,
		ServerSendPool: pool,
		Data:           rest[:dataLen],
		Ack:            rest[dataLen : dataLen+uint32(ackLen)],
	}, nil
}

// ErrorResponse is pack_type=3.
type ErrorResponse struct {
	Code    uint8
	Message string
}

// UnmarshalErrorResponse parses an error response body (starting right
// after the 3-byte magic/version/pack_type header).
func UnmarshalErrorResponse(data []byte) (ErrorResponse, error) {
	if len(data) < 3 {
		return ErrorResponse{}, errShort
	}
	code := data[0]
	msgLen := binary.LittleEndian.Uint16(data[1:3])
	if uint16(len(data)-3) < msgLen {
		return ErrorResponse{}, errShort
	}
	return ErrorResponse{Code: code, Message: string(data[3 : 3+int(msgLen)])}, nil
}

// Header is the common 3-byte prefix of every body (login responses
// included); ParseHeader lets the session worker branch on pack_type
// without re-deriving per-type offsets.
type Header struct {
	Magic   byte
	Version uint8
	Type    uint8
}

// ParseHeader reads and validates the common wire header.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < 3 {
		return Header{}, nil, errShort
	}
	h := Header{Magic: data[0], Version: data[1], Type: data[2]}
	if h.Magic != Magic || h.Version != ProtocolVersion {
		return h, nil, fmt.Errorf("wire: bad header magic=%q version=%d", h.Magic, h.Version)
	}
	return h, data[3:], nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendLenPrefixedString(b []byte, s string) []byte {
	b = appendU16(b, uint16(len(s)))
	return append(b, s...)
}
