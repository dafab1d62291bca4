package server

// readiness is the result of one poll over the active connections. Each
// slice keeps registry order.
type readiness struct {
	readable []*Conn
	writable []*Conn
	broken   []*Conn
}
