package local

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/portwarden/portwarden/pkg/protocol"
)

// fakeServer accepts a control connection, replies with a fixed
// InitPort, and lets the test drive Connect requests and subsequent
// data pairings directly.
type fakeServer struct {
	ln      net.Listener
	control *protocol.FrameConn
}

func startFakeServer(t *testing.T, assignedPort uint16) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln}

	accepted := make(chan *protocol.FrameConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fc := protocol.NewFrameConn(conn)
		msg, err := fc.RecvWithin(2 * time.Second)
		if err != nil || msg.Tag != protocol.TagInitPort {
			fc.Close()
			return
		}
		if err := fc.Send(protocol.NewInitPort(assignedPort, nil)); err != nil {
			fc.Close()
			return
		}
		accepted <- fc
	}()

	select {
	case fc := <-accepted:
		fs.control = fc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control connection")
	}
	return fs
}

func (fs *fakeServer) acceptDataConn(t *testing.T, within time.Duration) net.Conn {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := fs.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("accept data conn: %v", r.err)
		}
		fc := protocol.NewFrameConn(r.conn)
		msg, err := fc.RecvWithin(within)
		if err != nil {
			t.Fatalf("recv Connect: %v", err)
		}
		if msg.Tag != protocol.TagConnect {
			t.Fatalf("expected Connect, got %s", msg)
		}
		return fc.Conn()
	case <-time.After(within):
		t.Fatal("timed out waiting for data connection")
		return nil
	}
}

func TestDriverEstablishesTunnelAndPairsConnect(t *testing.T) {
	fs := startFakeServer(t, 40000)
	defer fs.ln.Close()

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local service: %v", err)
	}
	defer localLn.Close()
	localAddr := localLn.Addr().(*net.TCPAddr)

	go func() {
		conn, err := localLn.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("reply"))
		conn.Close()
	}()

	link := Link{LocalHost: "127.0.0.1", LocalPort: uint16(localAddr.Port)}
	d := NewDriver(fs.ln.Addr().String(), nil, link, zerolog.Nop())

	stop := make(chan struct{})
	defer close(stop)
	go d.Run(stop)

	if err := fs.control.Send(protocol.NewConnect(40000, nil)); err != nil {
		t.Fatalf("send Connect: %v", err)
	}

	dataConn := fs.acceptDataConn(t, 2*time.Second)
	defer dataConn.Close()

	if _, err := dataConn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(dataConn, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf) != "reply" {
		t.Fatalf("got %q, want reply", buf)
	}
}

func TestDriverSendsHeartbeats(t *testing.T) {
	fs := startFakeServer(t, 40001)
	defer fs.ln.Close()

	link := Link{LocalHost: "127.0.0.1", LocalPort: 1}
	d := NewDriver(fs.ln.Addr().String(), nil, link, zerolog.Nop())

	stop := make(chan struct{})
	defer close(stop)
	go d.Run(stop)

	msg, err := fs.control.RecvWithin(LocalHeartbeatInterval + 2*time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Tag != protocol.TagHeartbeat {
		t.Fatalf("expected Heartbeat, got %s", msg)
	}
}
