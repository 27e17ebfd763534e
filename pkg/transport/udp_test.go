package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/wire"
)

func drainKeepAlives(d *DatagramChannel, into *[]int) {
	d.Drain(func(f wire.Frame) {
		msg, ok, err := wire.Decode(f)
		if err != nil || !ok {
			return
		}
		if ka, isKA := msg.(*wire.WorkerKeepAlive); isKA {
			*into = append(*into, ka.PID)
		}
	})
}

func TestDatagramDialSendAccept(t *testing.T) {
	ln, err := ListenDatagram("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sender, err := DialDatagram(ln.Addr().String())
	require.NoError(t, err)
	defer sender.Close()

	const frames = 10
	for i := 0; i < frames; i++ {
		require.NoError(t, sender.Send(&wire.WorkerKeepAlive{PID: i}))
	}

	accepted := make(chan *DatagramChannel, 1)
	go func() {
		d, err := ln.Accept()
		if err == nil {
			accepted <- d
		}
	}()

	var server *DatagramChannel
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the listener to surface the peer")
	}

	var got []int
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < frames && time.Now().Before(deadline) {
		drainKeepAlives(server, &got)
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, got, frames)
	for i, pid := range got {
		assert.Equal(t, i, pid, "frames arrive in send order")
	}
}

func TestDatagramListenerSeparatesPeers(t *testing.T) {
	ln, err := ListenDatagram("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a, err := DialDatagram(ln.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := DialDatagram(ln.Addr().String())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(&wire.WorkerKeepAlive{PID: 100}))
	require.NoError(t, b.Send(&wire.WorkerKeepAlive{PID: 200}))

	chans := make([]*DatagramChannel, 0, 2)
	for len(chans) < 2 {
		done := make(chan *DatagramChannel, 1)
		go func() {
			d, err := ln.Accept()
			if err == nil {
				done <- d
			}
		}()
		select {
		case d := <-done:
			chans = append(chans, d)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both peers to be accepted")
		}
	}
	assert.NotEqual(t, chans[0].RemoteAddr().String(), chans[1].RemoteAddr().String())

	// Each peer's stream starts at its own sequence zero; the demux must
	// not conflate them.
	var pids []int
	deadline := time.Now().Add(2 * time.Second)
	for len(pids) < 2 && time.Now().Before(deadline) {
		for _, d := range chans {
			drainKeepAlives(d, &pids)
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.ElementsMatch(t, []int{100, 200}, pids)
}

func TestDatagramSendAfterCloseFails(t *testing.T) {
	ln, err := ListenDatagram("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sender, err := DialDatagram(ln.Addr().String())
	require.NoError(t, err)
	sender.Close()

	select {
	case <-sender.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed() never signaled after Close()")
	}
	assert.Error(t, sender.Send(&wire.WorkerKeepAlive{PID: 1}))
}
