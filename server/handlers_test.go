package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"jimrelay/db"
	"jimrelay/models"
	"jimrelay/protocol"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore is an in-memory ContactStore with injectable failures. It must
// not be mutated once the relay loop runs.
type fakeStore struct {
	identities     map[string]bool
	existsErr      error
	addIdentityErr error
	logonErr       error
	addContactErr  error
	listErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{identities: map[string]bool{}}
}

func (f *fakeStore) IdentityExists(ctx context.Context, name string) (bool, error) {
	return f.identities[name], f.existsErr
}

func (f *fakeStore) AddIdentity(ctx context.Context, name, info string) error {
	if f.addIdentityErr != nil {
		return f.addIdentityErr
	}
	f.identities[name] = true
	return nil
}

func (f *fakeStore) AddContact(ctx context.Context, owner, target string) (models.Outcome, error) {
	if f.addContactErr != nil {
		return models.OutcomeOK, f.addContactErr
	}
	if !f.identities[target] {
		return models.OutcomeTargetMissing, nil
	}
	if !f.identities[owner] {
		return models.OutcomeOwnerMissing, nil
	}
	return models.OutcomeOK, nil
}

func (f *fakeStore) RemoveContact(ctx context.Context, owner, target string) error {
	return nil
}

func (f *fakeStore) ListContacts(ctx context.Context, owner string) ([]models.Identity, error) {
	return nil, f.listErr
}

func (f *fakeStore) RecordLogon(ctx context.Context, name, address string, at time.Time) error {
	return f.logonErr
}

// activePipe registers an ACTIVE connection backed by net.Pipe and returns
// the client end.
func activePipe(t *testing.T, srv *Server, name string) (*Conn, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	c := newConn(serverSide)
	srv.registry.Register(c)
	srv.registry.Bind(c, name)
	c.state = StateActive
	return c, clientSide
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (serverSide, clientSide net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, _ := ln.Accept()
		accepted <- nc
	}()

	clientSide, err = net.DialTimeout("tcp", ln.Addr().String(), testTimeout)
	require.NoError(t, err)
	serverSide = <-accepted
	require.NotNil(t, serverSide)

	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return serverSide, clientSide
}

func readOnce(client net.Conn) <-chan []byte {
	ch := make(chan []byte, 1)
	go func() {
		buf := make([]byte, protocol.MaxPacketSize)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := client.Read(buf)
		ch <- buf[:n]
	}()
	return ch
}

func TestBroadcastSurvivesFailedRecipient(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	config := testConfig()
	config.WriteTimeout = 200 * time.Millisecond
	srv := New(newFakeStore(), config, zap.New(core))

	sender, _ := activePipe(t, srv, "sender")
	first, firstClient := activePipe(t, srv, "first")
	broken, brokenClient := activePipe(t, srv, "broken")
	last, lastClient := activePipe(t, srv, "last")
	require.NoError(t, brokenClient.Close())

	firstGot := readOnce(firstClient)
	lastGot := readOnce(lastClient)

	srv.broadcast(sender, "hi", []*Conn{sender, first, broken, last})

	for _, ch := range []<-chan []byte{firstGot, lastGot} {
		m, err := protocol.DecodeMessage(<-ch)
		require.NoError(t, err)
		assert.Equal(t, protocol.ActionMsg, m.Action)
		assert.Equal(t, "hi", m.Message)
	}

	assert.False(t, srv.registry.Contains(broken))
	assert.Equal(t, StateClosed, broken.State())
	assert.True(t, srv.registry.Contains(sender), "sender must not be written to")
	assert.True(t, srv.registry.Contains(first))
	assert.True(t, srv.registry.Contains(last))

	assert.Equal(t, float64(2), testutil.ToFloat64(srv.metrics.deliveries))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.deliveryFailures))
	assert.Equal(t, 1, logs.FilterMessage("broadcast delivery failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("connection closed").Len())
}

func TestBroadcastSkipsClosedAndPendingConnections(t *testing.T) {
	config := testConfig()
	config.WriteTimeout = 100 * time.Millisecond
	srv := New(newFakeStore(), config, nil)

	sender, _ := activePipe(t, srv, "sender")
	gone, _ := activePipe(t, srv, "gone")
	waiting, _ := activePipe(t, srv, "waiting")
	waiting.state = StateAwaitingPresence
	srv.drop(gone, reasonEOF)

	srv.broadcast(sender, "hi", []*Conn{gone, waiting})

	assert.Equal(t, float64(0), testutil.ToFloat64(srv.metrics.deliveries))
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.metrics.deliveryFailures))
	assert.True(t, srv.registry.Contains(waiting))
}

func TestDropIsIdempotent(t *testing.T) {
	srv := New(newFakeStore(), testConfig(), nil)
	c, _ := activePipe(t, srv, "alice")

	srv.drop(c, reasonEOF)
	srv.drop(c, reasonEOF)

	assert.Equal(t, 0, srv.registry.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.closed.WithLabelValues(reasonEOF)))
}

func TestReadRequestOutcomes(t *testing.T) {
	buf := make([]byte, protocol.MaxPacketSize)

	t.Run("request", func(t *testing.T) {
		serverSide, clientSide := net.Pipe()
		defer serverSide.Close()
		defer clientSide.Close()
		c := newConn(serverSide)

		go clientSide.Write(protocol.Encode(protocol.ChatMessage("hey")))
		res := c.readRequest(buf, time.Second)
		require.Equal(t, readOK, res.status)
		assert.Equal(t, protocol.Chat{Time: res.req.(protocol.Chat).Time, Text: "hey"}, res.req)
	})

	t.Run("eof", func(t *testing.T) {
		serverSide, clientSide := tcpPair(t)
		c := newConn(serverSide)

		require.NoError(t, clientSide.Close())
		res := c.readRequest(buf, time.Second)
		assert.Equal(t, readEOF, res.status)
		assert.NoError(t, res.err)
	})

	t.Run("timeout", func(t *testing.T) {
		serverSide, clientSide := net.Pipe()
		defer serverSide.Close()
		defer clientSide.Close()
		c := newConn(serverSide)

		res := c.readRequest(buf, 20*time.Millisecond)
		assert.Equal(t, readTimeout, res.status)
		assert.ErrorIs(t, res.err, ErrTransport)
		assert.ErrorIs(t, res.err, os.ErrDeadlineExceeded)
	})

	t.Run("malformed", func(t *testing.T) {
		serverSide, clientSide := net.Pipe()
		defer serverSide.Close()
		defer clientSide.Close()
		c := newConn(serverSide)

		go clientSide.Write([]byte(`{"action":"dance"}`))
		res := c.readRequest(buf, time.Second)
		assert.Equal(t, readMalformed, res.status)
		assert.ErrorIs(t, res.err, ErrProtocolViolation)
		assert.ErrorIs(t, res.err, protocol.ErrDecode)
	})
}

func TestHandshakePersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.existsErr = errStoreDown
	srv := startServer(t, store, testConfig())

	c := dial(t, srv)
	c.send(protocol.PresenceMessage("alice"))
	assert.Equal(t, protocol.CodeServerError, c.recvResponse().Code)
	c.expectClosed()

	require.Eventually(t, func() bool {
		return counterValue(t, srv, "handshakes", "failed") == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestLogonFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.logonErr = errStoreDown
	srv := startServer(t, store, testConfig())

	c := dial(t, srv)
	c.presence("alice")
}

func TestStoreErrorsAnswer500(t *testing.T) {
	store := newFakeStore()
	store.identities["bob"] = true
	store.addContactErr = errStoreDown
	store.listErr = errStoreDown
	srv := startServer(t, store, testConfig())

	alice := dial(t, srv)
	alice.presence("alice")
	alice.send(protocol.GetContactsMessage())
	assert.Equal(t, protocol.CodeServerError, alice.recvResponse().Code)

	alice.send(protocol.AddContactMessage("bob"))
	assert.Equal(t, protocol.CodeServerError, alice.recvResponse().Code)
}

func TestEnsureIdentityKeepsStoreCause(t *testing.T) {
	store := newFakeStore()
	store.existsErr = errStoreDown
	srv := New(store, testConfig(), nil)

	err := srv.ensureIdentity(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errStoreDown)

	store.existsErr = nil
	store.addIdentityErr = errStoreDown
	err = srv.ensureIdentity(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestEnsureIdentityLostRace(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	store := newFakeStore()
	store.addIdentityErr = db.ErrDuplicateIdentity
	srv := New(store, testConfig(), zap.New(core))

	require.NoError(t, srv.ensureIdentity(context.Background(), "alice"))
	assert.Zero(t, logs.FilterMessage("identity created").Len())
	assert.Equal(t, 1, logs.FilterMessage("identity already created").Len())

	store.addIdentityErr = nil
	require.NoError(t, srv.ensureIdentity(context.Background(), "bob"))
	assert.Equal(t, 1, logs.FilterMessage("identity created").Len())
}

// panickingStore fails every contact mutation with a panic.
type panickingStore struct {
	*fakeStore
	once    sync.Once
	reached chan struct{}
}

func (p *panickingStore) AddContact(ctx context.Context, owner, target string) (models.Outcome, error) {
	p.once.Do(func() { close(p.reached) })
	panic("contact table corrupted")
}

func TestLoopSurvivesPanickingStore(t *testing.T) {
	store := &panickingStore{fakeStore: newFakeStore(), reached: make(chan struct{})}
	srv := startServer(t, store, testConfig())

	alice := dial(t, srv)
	alice.presence("alice")
	bob := dial(t, srv)
	bob.presence("bob")

	alice.send(protocol.AddContactMessage("bob"))
	select {
	case <-store.reached:
	case <-time.After(testTimeout):
		t.Fatal("add_contact never reached the store")
	}

	bob.send(protocol.ChatMessage("still here"))
	assert.Equal(t, "still here", alice.recvMessage().Message)
}

func TestStartServesUntilCancelled(t *testing.T) {
	srv := New(newFakeStore(), testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, srv.Start(ctx))

	bad := New(nil, &ServerConfig{Address: "192.0.2.1", Port: 1}, nil)
	assert.ErrorIs(t, bad.Start(context.Background()), ErrConfiguration)
}
