package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/wire"
)

func TestDialAcceptHandshakeAndSend(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := Dial(ln.Addr().String(), wire.RoleTaskManager, "./supervisor", "alpha", "node1")
	require.NoError(t, err)
	defer client.Close()

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	defer server.Close()

	id, err := ReceiveHandshake(server, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.RoleTaskManager, id.Role)
	assert.Equal(t, "alpha", id.ClusterName)
	assert.Equal(t, "node1", id.NodeLabel)
	assert.Equal(t, wire.RoleTaskManager, server.Role)
	assert.Equal(t, "node1", server.RemoteLabel)

	require.NoError(t, client.Send(&wire.WorkerKeepAlive{PID: 1234}))

	deadline := time.Now().Add(2 * time.Second)
	var got *wire.WorkerKeepAlive
	for got == nil && time.Now().Before(deadline) {
		server.Drain(func(f wire.Frame) {
			msg, ok, err := wire.Decode(f)
			require.NoError(t, err)
			if !ok {
				return
			}
			if ka, ok := msg.(*wire.WorkerKeepAlive); ok {
				got = ka
			}
		})
		if got == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.NotNil(t, got, "timed out waiting for keep-alive frame to arrive")
	assert.Equal(t, 1234, got.PID)
}

func TestConnCloseSignalsClosed(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := Dial(ln.Addr().String(), wire.RoleGame, "./game", "alpha", "node1")
	require.NoError(t, err)
	server := <-accepted
	defer server.Close()

	client.Close()
	select {
	case <-client.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed() channel never closed after Close()")
	}

	assert.Error(t, client.Send(&wire.WorkerKeepAlive{PID: 1}))
}

func TestReceiveHandshakeTimesOut(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	nc, err := Dial(ln.Addr().String(), wire.RoleGame, "./game", "alpha", "node1")
	require.NoError(t, err)
	defer nc.Close()

	server := <-accepted
	defer server.Close()

	// Drain the real handshake frame first so ReceiveHandshake has
	// nothing left to read and genuinely times out.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		drained := false
		server.Drain(func(wire.Frame) { drained = true })
		if drained {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err = ReceiveHandshake(server, 50*time.Millisecond)
	assert.Error(t, err)
}
