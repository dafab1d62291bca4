package server

// Registry is the ordered set of live connections. Iteration order is
// registration order, which is also the broadcast order. It is owned by the
// relay loop and is not safe for concurrent use.
type Registry struct {
	conns []*Conn
	index map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[*Conn]struct{})}
}

func (r *Registry) Register(c *Conn) {
	if _, ok := r.index[c]; ok {
		return
	}
	r.index[c] = struct{}{}
	r.conns = append(r.conns, c)
}

// Bind attaches an identity name to a registered connection.
func (r *Registry) Bind(c *Conn, name string) bool {
	if _, ok := r.index[c]; !ok {
		return false
	}
	c.identity = name
	return true
}

// Unregister removes c and reports whether it was present. Removing an absent
// connection is a no-op.
func (r *Registry) Unregister(c *Conn) bool {
	if _, ok := r.index[c]; !ok {
		return false
	}
	delete(r.index, c)
	for i, existing := range r.conns {
		if existing == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) IdentityOf(c *Conn) (string, bool) {
	if _, ok := r.index[c]; !ok || c.identity == "" {
		return "", false
	}
	return c.identity, true
}

func (r *Registry) Contains(c *Conn) bool {
	_, ok := r.index[c]
	return ok
}

func (r *Registry) All() []*Conn {
	return append([]*Conn(nil), r.conns...)
}

// Active returns the connections that have completed the handshake.
func (r *Registry) Active() []*Conn {
	active := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.state == StateActive {
			active = append(active, c)
		}
	}
	return active
}

func (r *Registry) Len() int {
	return len(r.conns)
}
