package egress

import "net"

// Black implements the black adapter: close the socket immediately
// (spec.md §4.7).
type Black struct{}

// Handle implements Adapter.
func (Black) Handle(conn net.Conn, _ string, _ int, _ []byte) Result {
	_ = conn.Close()
	return handled()
}
