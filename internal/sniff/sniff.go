package sniff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

// ErrNoSNI signals that no SNI/Host could be determined — the "none"
// signal of spec.md §4.5 (named after the original's SniNotExist).
var ErrNoSNI = errors.New("sniff: no SNI or Host found")

var httpLeadBytes = map[byte]bool{'G': true, 'P': true, 'D': true, 'O': true, 'H': true, 'T': true}

var supportedMethods = map[string]bool{
	"GET": true, "POST": true, "HEAD": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// Peek classifies conn's first bytes and returns the discovered host,
// or ErrNoSNI if none could be determined. leftBuf, if non-empty, is
// already-peeked data to use as the lead bytes instead of reading fresh
// (mirrors the original's left_buf parameter).
func Peek(conn *PeekConn, leftBuf []byte) (string, error) {
	var lead byte
	if len(leftBuf) > 0 {
		lead = leftBuf[0]
	} else {
		b, err := conn.Peek(1)
		if err != nil || len(b) < 1 {
			return "", ErrNoSNI
		}
		lead = b[0]
	}

	// 0x16 = TLS handshake record; 0x80 = SSLv2. Both lead bytes take this
	// generic TLS-like branch, but only a 0x16 record is searched for an
	// SNI: there is no separate SSLv2 parsing, so a 0x80 lead always
	// yields ErrNoSNI.
	if lead == 0x16 || lead == 0x80 {
		if lead == 0x16 {
			for i := 0; i < 2; i++ {
				data, err := conn.Peek(1024)
				if err != nil && len(data) == 0 {
					break
				}
				full := append(append([]byte(nil), leftBuf...), data...)
				if isClientHello(full) {
					if host, ok := extractSNI(full); ok {
						return host, nil
					}
					break
				}
			}
		}
		return "", ErrNoSNI
	}

	if !httpLeadBytes[lead] {
		return "", ErrNoSNI
	}

	var data []byte
	for i := 0; i < 2; i++ {
		b, err := conn.Peek(65535)
		if err == nil && len(b) > 0 {
			data = append(append([]byte(nil), leftBuf...), b...)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(data) == 0 {
		return "", ErrNoSNI
	}

	n1 := bytes.Index(data, []byte("\r\n"))
	if n1 < 0 {
		return "", ErrNoSNI
	}
	reqLine := data[:n1]
	words := bytes.Fields(reqLine)
	var method string
	switch len(words) {
	case 3, 2:
		method = string(words[0])
	default:
		return "", ErrNoSNI
	}
	if !supportedMethods[method] {
		return "", ErrNoSNI
	}

	n2 := bytes.Index(data[n1:], []byte("\r\n\r\n"))
	if n2 < 0 {
		return "", ErrNoSNI
	}
	headerBlock := data[n1+2 : n1+n2]

	var host string
	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := bytes.ToLower(bytes.TrimSpace(line[:idx]))
		if string(key) == "host" {
			value := bytes.TrimSpace(line[idx+1:])
			host = splitHostPort(string(value))
			break
		}
	}
	if host == "" {
		return "", ErrNoSNI
	}
	return host, nil
}

// splitHostPort splits "host:port" on the rightmost colon, tolerating a
// bare host with no port (spec.md §4.5's netloc_to_host_port).
func splitHostPort(netloc string) string {
	idx := bytes.LastIndexByte([]byte(netloc), ':')
	if idx < 0 {
		return netloc
	}
	return netloc[:idx]
}

// isClientHello validates that data is a complete TLS record whose
// declared length matches, per spec.md §4.5.
func isClientHello(data []byte) bool {
	if len(data) < 5 {
		return false
	}
	if data[0] == 0x16 && data[1] == 0x03 {
		length := binary.BigEndian.Uint16(data[3:5])
		return len(data) == 5+int(length)
	}
	return false
}

// extractSNI walks a ClientHello's handshake body to the extensions
// block and returns the server_name extension's host, per spec.md
// §4.5.
func extractSNI(packet []byte) (string, bool) {
	if len(packet) < 5 || packet[0] != 0x16 || packet[1] != 0x03 {
		return "", false
	}
	r := newCursor(packet)
	if !r.skip(0x2b) {
		return "", false
	}
	sessionIDLen, ok := r.readByte()
	if !ok || !r.skip(int(sessionIDLen)) {
		return "", false
	}
	cipherSuitesLen, ok := r.readUint16()
	if !ok || !r.skip(int(cipherSuitesLen)+2) {
		return "", false
	}
	if _, ok := r.readUint16(); !ok { // extensions_length, unused
		return "", false
	}
	for {
		etype, ok := r.readUint16()
		if !ok {
			return "", false
		}
		elen, ok := r.readUint16()
		if !ok {
			return "", false
		}
		edata, ok := r.readN(int(elen))
		if !ok {
			return "", false
		}
		if etype == 0 {
			if len(edata) < 5 {
				return "", false
			}
			return string(edata[5:]), true
		}
	}
}

type cursor struct {
	buf []byte
	pos int
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf} }

func (c *cursor) skip(n int) bool {
	if c.pos+n > len(c.buf) {
		return false
	}
	c.pos += n
	return true
}

func (c *cursor) readByte() (byte, bool) {
	if c.pos+1 > len(c.buf) {
		return 0, false
	}
	b := c.buf[c.pos]
	c.pos++
	return b, true
}

func (c *cursor) readUint16() (uint16, bool) {
	if c.pos+2 > len(c.buf) {
		return 0, false
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v, true
}

func (c *cursor) readN(n int) ([]byte, bool) {
	if c.pos+n > len(c.buf) {
		return nil, false
	}
	out := c.buf[c.pos : c.pos+n]
	c.pos += n
	return out, true
}
