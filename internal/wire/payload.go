package wire

import "encoding/binary"

// Block commands, per spec.md §4.1.
const (
	CmdConnect = 0
	CmdData    = 1
	CmdClosed  = 2
	CmdAck     = 3
)

// Block is one `seq || cmd || cmd_payload` record nested inside a
// connection's payload slice.
type Block struct {
	Seq        uint32
	Cmd        uint8
	CmdPayload []byte
}

// MarshalBlock packs a single block.
func MarshalBlock(b Block) []byte {
	out := make([]byte, 0, 5+len(b.CmdPayload))
	out = appendU32(out, b.Seq)
	out = append(out, b.Cmd)
	out = append(out, b.CmdPayload...)
	return out
}

// UnmarshalBlock parses the single block carried by one ConnFrame.
func UnmarshalBlock(data []byte) (Block, error) {
	if len(data) < 5 {
		return Block{}, errShort
	}
	seq := binary.LittleEndian.Uint32(data[0:4])
	cmd := data[4]
	return Block{Seq: seq, Cmd: cmd, CmdPayload: data[5:]}, nil
}

// ConnectCmd is cmd=0's payload: `sock_type || host_len || host || port`.
type ConnectCmd struct {
	SockType uint8
	Host     string
	Port     uint16
}

// MarshalConnectCmd packs a connect command payload.
func MarshalConnectCmd(c ConnectCmd) []byte {
	out := make([]byte, 0, 5+len(c.Host))
	out = append(out, c.SockType)
	out = appendU16(out, uint16(len(c.Host)))
	out = append(out, c.Host...)
	out = appendU16(out, c.Port)
	return out
}

// UnmarshalConnectCmd parses a connect command payload.
func UnmarshalConnectCmd(data []byte) (ConnectCmd, error) {
	if len(data) < 3 {
		return ConnectCmd{}, errShort
	}
	sockType := data[0]
	hostLen := binary.LittleEndian.Uint16(data[1:3])
	if len(data) < 3+int(hostLen)+2 {
		return ConnectCmd{}, errShort
	}
	host := string(data[3 : 3+int(hostLen)])
	port := binary.LittleEndian.Uint16(data[3+int(hostLen) : 3+int(hostLen)+2])
	return ConnectCmd{SockType: sockType, Host: host, Port: port}, nil
}

// MarshalClosedCmd packs cmd=2's payload: the close reason, a plain string.
func MarshalClosedCmd(reason string) []byte { return []byte(reason) }

// MarshalAckCmd packs cmd=3's payload: `position u64`.
func MarshalAckCmd(position uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, position)
	return out
}

// UnmarshalAckCmd parses cmd=3's payload.
func UnmarshalAckCmd(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, errShort
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}

// ConnFrame is one `conn_id || block_len || block` record nested
// inside a data payload (the payload tagged with a single sn).
type ConnFrame struct {
	ConnID uint32
	Block  []byte
}

// MarshalConnFrame packs one connection frame.
func MarshalConnFrame(f ConnFrame) []byte {
	out := make([]byte, 0, 8+len(f.Block))
	out = appendU32(out, f.ConnID)
	out = appendU32(out, uint32(len(f.Block)))
	out = append(out, f.Block...)
	return out
}

// UnmarshalConnFrames parses every conn_id||len||block record out of a
// single sn's payload.
func UnmarshalConnFrames(data []byte) ([]ConnFrame, error) {
	var frames []ConnFrame
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, errShort
		}
		connID := binary.LittleEndian.Uint32(data[0:4])
		blockLen := binary.LittleEndian.Uint32(data[4:8])
		data = data[8:]
		if uint32(len(data)) < blockLen {
			return nil, errShort
		}
		frames = append(frames, ConnFrame{ConnID: connID, Block: data[:blockLen]})
		data = data[blockLen:]
	}
	return frames, nil
}

// SnPayload is one `sn || payload_len || payload` record inside a data
// payload (the top-level unit BlockReceivePool reorders on).
type SnPayload struct {
	Sn      uint32
	Payload []byte
}

// MarshalSnPayload packs one sn-tagged payload.
func MarshalSnPayload(p SnPayload) []byte {
	out := make([]byte, 0, 8+len(p.Payload))
	out = appendU32(out, p.Sn)
	out = appendU32(out, uint32(len(p.Payload)))
	out = append(out, p.Payload...)
	return out
}

// UnmarshalSnPayloads parses every sn-tagged payload out of a data
// buffer.
func UnmarshalSnPayloads(data []byte) ([]SnPayload, error) {
	var out []SnPayload
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, errShort
		}
		sn := binary.LittleEndian.Uint32(data[0:4])
		plen := binary.LittleEndian.Uint32(data[4:8])
		data = data[8:]
		if uint32(len(data)) < plen {
			return nil, errShort
		}
		out = append(out, SnPayload{Sn: sn, Payload: data[:plen]})
		data = data[plen:]
	}
	return out, nil
}

// AckPayload is `last_ack(u32) || [sn(u32)...]`.
type AckPayload struct {
	LastAck uint32
	Out     []uint32 // out-of-order sns
}

// MarshalAckPayload packs an ack payload.
func MarshalAckPayload(a AckPayload) []byte {
	out := make([]byte, 0, 4+4*len(a.Out))
	out = appendU32(out, a.LastAck)
	for _, sn := range a.Out {
		out = appendU32(out, sn)
	}
	return out
}

// UnmarshalAckPayload parses an ack payload.
func UnmarshalAckPayload(data []byte) (AckPayload, error) {
	if len(data) < 4 {
		return AckPayload{}, errShort
	}
	a := AckPayload{LastAck: binary.LittleEndian.Uint32(data[:4])}
	data = data[4:]
	for len(data) >= 4 {
		a.Out = append(a.Out, binary.LittleEndian.Uint32(data[:4]))
		data = data[4:]
	}
	return a, nil
}
