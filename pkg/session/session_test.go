package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashimono/agent/pkg/api"
)

var upgrader = websocket.Upgrader{}

// wsPair spins up a test websocket endpoint and returns both ends
func wsPair(t *testing.T) (client *websocket.Conn, server *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never connected")
	}
	return client, server
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &doc))
	return doc
}

// TestSessionSendsInitGreeting verifies the unsolicited greeting is the first
// frame on a fresh session
func TestSessionSendsInitGreeting(t *testing.T) {
	client, server := wsPair(t)

	sess, err := NewSession(client, api.NewDispatcher(nil, nil))
	require.NoError(t, err)
	defer sess.Close()

	greeting := readFrame(t, server)
	assert.Equal(t, "init", greeting["type"])
	assert.Equal(t, "Connection initiated.", greeting["content"])
}

// TestSessionHandlesInbound verifies inbound frames are dispatched and the
// responses flow back in order
func TestSessionHandlesInbound(t *testing.T) {
	client, server := wsPair(t)

	sess, err := NewSession(client, api.NewDispatcher(nil, nil))
	require.NoError(t, err)
	defer sess.Close()

	readFrame(t, server) // init greeting

	// Unknown types still produce one response per request
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"bogus-1"}`)))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"bogus-2"}`)))

	first := readFrame(t, server)
	assert.Equal(t, "error", first["type"])
	assert.Contains(t, first["content"], "bogus-1")

	second := readFrame(t, server)
	assert.Equal(t, "error", second["type"])
	assert.Contains(t, second["content"], "bogus-2")
}

// TestSessionEnqueueFlushes verifies directly queued frames reach the peer
func TestSessionEnqueueFlushes(t *testing.T) {
	client, server := wsPair(t)

	sess, err := NewSession(client, api.NewDispatcher(nil, nil))
	require.NoError(t, err)
	defer sess.Close()

	readFrame(t, server) // init greeting

	sess.Enqueue([]byte(`{"type":"custom","content":"hello"}`))
	frame := readFrame(t, server)
	assert.Equal(t, "custom", frame["type"])
}

// TestSessionMarksMustCloseOnPeerClose verifies a peer disconnect drives the
// state machine forward
func TestSessionMarksMustCloseOnPeerClose(t *testing.T) {
	client, server := wsPair(t)

	sess, err := NewSession(client, api.NewDispatcher(nil, nil))
	require.NoError(t, err)

	assert.Equal(t, StateActive, sess.State())

	readFrame(t, server)
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		return sess.State() >= StateMustClose
	}, 2*time.Second, 10*time.Millisecond)

	sess.Close()
	assert.Equal(t, StateClosed, sess.State())
}

// TestSessionStateMonotonic verifies Close never regresses the state
func TestSessionStateMonotonic(t *testing.T) {
	client, server := wsPair(t)
	defer server.Close()

	sess, err := NewSession(client, api.NewDispatcher(nil, nil))
	require.NoError(t, err)

	sess.Close()
	assert.Equal(t, StateClosed, sess.State())

	// A second close is harmless
	sess.Close()
	assert.Equal(t, StateClosed, sess.State())
}

// TestDriverStopDuringBackoff verifies Stop unblocks a driver that cannot
// reach its controller
func TestDriverStopDuringBackoff(t *testing.T) {
	d := NewDriver("127.0.0.1", 1, api.NewDispatcher(nil, nil))
	d.Start()

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("driver did not stop")
	}
}
