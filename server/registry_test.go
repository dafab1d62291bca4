package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConn(t *testing.T) *Conn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return newConn(serverSide)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	a, b, c := newPipeConn(t), newPipeConn(t), newPipeConn(t)

	r.Register(a)
	r.Register(b)
	r.Register(c)
	r.Register(a)
	require.Equal(t, 3, r.Len())
	assert.Equal(t, []*Conn{a, b, c}, r.All())

	_, ok := r.IdentityOf(a)
	assert.False(t, ok, "identity must be empty before the handshake")

	require.True(t, r.Bind(a, "alice"))
	name, ok := r.IdentityOf(a)
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	assert.True(t, r.Unregister(b))
	assert.False(t, r.Unregister(b), "second unregister is a no-op")
	assert.False(t, r.Contains(b))
	assert.Equal(t, []*Conn{a, c}, r.All())

	assert.False(t, r.Bind(b, "bob"))
	_, ok = r.IdentityOf(b)
	assert.False(t, ok)
}

func TestRegistryActiveKeepsOrder(t *testing.T) {
	r := NewRegistry()
	conns := []*Conn{newPipeConn(t), newPipeConn(t), newPipeConn(t), newPipeConn(t)}
	for _, c := range conns {
		r.Register(c)
	}
	conns[0].state = StateActive
	conns[1].state = StateAwaitingPresence
	conns[3].state = StateActive

	assert.Equal(t, []*Conn{conns[0], conns[3]}, r.Active())
}

func TestRegistryAllReturnsCopy(t *testing.T) {
	r := NewRegistry()
	a, b := newPipeConn(t), newPipeConn(t)
	r.Register(a)
	r.Register(b)

	all := r.All()
	all[0] = nil
	assert.Equal(t, []*Conn{a, b}, r.All())
}
