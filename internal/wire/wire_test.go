package wire

import (
	"bytes"
	"testing"
)

func TestLoginRoundTrip(t *testing.T) {
	req := LoginRequest{
		SessionID:     [8]byte{'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h'},
		MaxPayload:    32768,
		SendDelay:     100,
		WindowsSize:   1 << 20,
		WindowsAck:    1 << 16,
		ResendTimeout: 3000,
		AckDelay:      300,
		Account:       "alice",
		Password:      "s3cret",
	}
	packed := MarshalLoginRequest(req)
	if packed[0] != Magic || packed[1] != ProtocolVersion || packed[2] != PackLogin {
		t.Fatalf("bad header: % x", packed[:3])
	}

	resp := LoginResponse{Res: 0, Message: "ok"}
	packedResp := MarshalLoginResponse(resp)
	got, err := UnmarshalLoginResponse(packedResp)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != resp {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, resp)
	}
}

func TestRoundTripRequestResponse(t *testing.T) {
	req := RoundTripRequest{
		SessionID:     [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		TransferNo:    42,
		ServerTimeout: 1,
		Data:          []byte("hello"),
		Ack:           []byte("ack!"),
	}
	packed := MarshalRoundTripRequest(req)
	hdr, rest, err := ParseHeader(packed)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if hdr.Type != PackRoundTrip {
		t.Fatalf("pack type = %d, want %d", hdr.Type, PackRoundTrip)
	}
	if !bytes.Equal(rest[:8], req.SessionID[:]) {
		t.Fatalf("session id mismatch")
	}

	respBody := []byte{}
	respBody = appendU32(respBody, 123)    // time_cost
	respBody = appendU32(respBody, 456)    // server_send_pool_size
	respBody = appendU32(respBody, 5)      // data_len
	respBody = appendU16(respBody, 4)      // ack_len
	respBody = append(respBody, "hello"...)
	respBody = append(respBody, "ack!"...)

	resp, err := UnmarshalRoundTripResponse(respBody)
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if string(resp.Data) != "hello" || string(resp.Ack) != "ack!" {
		t.Fatalf("payload mismatch: %+v", resp)
	}
	if resp.TimeCostMs != 123 || resp.ServerSendPool != 456 {
		t.Fatalf("header fields mismatch: %+v", resp)
	}
}

func TestErrorResponse(t *testing.T) {
	body := []byte{ErrSessionMissing}
	body = appendU16(body, uint16(len("stale")))
	body = append(body, "stale"...)
	resp, err := UnmarshalErrorResponse(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrSessionMissing || resp.Message != "stale" {
		t.Fatalf("got %+v", resp)
	}
}

func TestSnPayloadRoundTrip(t *testing.T) {
	frame := MarshalConnFrame(ConnFrame{ConnID: 2, Block: MarshalBlock(Block{
		Seq:        1,
		Cmd:        CmdData,
		CmdPayload: []byte("payload-bytes"),
	})})
	sp := MarshalSnPayload(SnPayload{Sn: 7, Payload: frame})

	parsed, err := UnmarshalSnPayloads(sp)
	if err != nil || len(parsed) != 1 {
		t.Fatalf("unmarshal sn payloads: %v %v", parsed, err)
	}
	if parsed[0].Sn != 7 {
		t.Fatalf("sn = %d, want 7", parsed[0].Sn)
	}

	frames, err := UnmarshalConnFrames(parsed[0].Payload)
	if err != nil || len(frames) != 1 {
		t.Fatalf("unmarshal conn frames: %v %v", frames, err)
	}
	if frames[0].ConnID != 2 {
		t.Fatalf("conn id = %d, want 2", frames[0].ConnID)
	}

	block, err := UnmarshalBlock(frames[0].Block)
	if err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	if block.Seq != 1 || block.Cmd != CmdData || string(block.CmdPayload) != "payload-bytes" {
		t.Fatalf("block mismatch: %+v", block)
	}
}

func TestAckPayloadRoundTrip(t *testing.T) {
	a := AckPayload{LastAck: 9, Out: []uint32{11, 13, 17}}
	packed := MarshalAckPayload(a)
	got, err := UnmarshalAckPayload(packed)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LastAck != a.LastAck || len(got.Out) != len(a.Out) {
		t.Fatalf("got %+v want %+v", got, a)
	}
	for i := range a.Out {
		if got.Out[i] != a.Out[i] {
			t.Fatalf("out[%d] = %d, want %d", i, got.Out[i], a.Out[i])
		}
	}
}

func TestConnectCmdRoundTrip(t *testing.T) {
	c := ConnectCmd{SockType: 0, Host: "example.com", Port: 443}
	packed := MarshalConnectCmd(c)
	got, err := UnmarshalConnectCmd(packed)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != c {
		t.Fatalf("got %+v want %+v", got, c)
	}
}
