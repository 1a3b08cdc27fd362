package server

import (
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/portwarden/portwarden/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func startTestServer(t *testing.T, secret *string) (*Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control port: %v", err)
	}
	s := New(30000, 30100, 2, secret, testLogger())
	go func() {
		_ = s.Serve(ln)
	}()
	t.Cleanup(func() {
		ln.Close()
		s.Close()
	})
	return s, ln
}

func dialControl(t *testing.T, addr string) *protocol.FrameConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	return protocol.NewFrameConn(conn)
}

// fakeLocal emulates the local driver's reaction to pool-fill Connect
// requests: on every Connect message received over the control link it
// dials a fresh connection, tags it with Connect, and stashes the raw
// conn so the test can drive the data side of a pairing directly.
type fakeLocal struct {
	addr string
	port uint16

	conns chan net.Conn
	done  chan struct{}
}

func startFakeLocal(t *testing.T, control *protocol.FrameConn, addr string, port uint16) *fakeLocal {
	t.Helper()
	fl := &fakeLocal{addr: addr, port: port, conns: make(chan net.Conn, 16), done: make(chan struct{})}
	go func() {
		defer close(fl.done)
		for {
			msg, err := control.Recv()
			if err != nil {
				return
			}
			switch msg.Tag {
			case protocol.TagConnect:
				dataConn, err := net.Dial("tcp", fl.addr)
				if err != nil {
					return
				}
				dfc := protocol.NewFrameConn(dataConn)
				if err := dfc.Send(protocol.NewConnect(fl.port, nil)); err != nil {
					return
				}
				fl.conns <- dfc.Conn()
			case protocol.TagHeartbeat:
				// ignore
			default:
				return
			}
		}
	}()
	return fl
}

func (fl *fakeLocal) nextConn(t *testing.T, within time.Duration) net.Conn {
	t.Helper()
	select {
	case c := <-fl.conns:
		return c
	case <-time.After(within):
		t.Fatal("timed out waiting for pool connection")
		return nil
	}
}

func TestServerHappyPathByteAccounting(t *testing.T) {
	s, ln := startTestServer(t, nil)
	addr := ln.Addr().String()

	control := dialControl(t, addr)
	if err := control.Send(protocol.NewInitPort(0, nil)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply, err := control.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv InitPort reply: %v", err)
	}
	if reply.Tag != protocol.TagInitPort {
		t.Fatalf("expected InitPort reply, got %s", reply)
	}
	port := reply.Port

	fl := startFakeLocal(t, control, addr, port)
	poolConn := fl.nextConn(t, 2*time.Second)

	external, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer external.Close()

	if _, err := external.Write([]byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(poolConn, buf); err != nil {
		t.Fatalf("read ping on pool side: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}

	if _, err := poolConn.Write([]byte("pong!")); err != nil {
		t.Fatalf("write pong: %v", err)
	}
	buf2 := make([]byte, 5)
	if _, err := io.ReadFull(external, buf2); err != nil {
		t.Fatalf("read pong on external side: %v", err)
	}
	if string(buf2) != "pong!" {
		t.Fatalf("got %q, want pong!", buf2)
	}

	poolConn.Close()
	external.Close()

	time.Sleep(50 * time.Millisecond)
	info := s.Registry.Get(port)
	if info == nil {
		t.Fatal("expected tunnel still registered")
	}
	if info.Bytes != 9 {
		t.Errorf("Bytes = %d, want 9 (4 ping + 5 pong)", info.Bytes)
	}
}

func TestServerRequestedPortInRange(t *testing.T) {
	_, ln := startTestServer(t, nil)
	addr := ln.Addr().String()

	control := dialControl(t, addr)
	if err := control.Send(protocol.NewInitPort(30050, nil)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply, err := control.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	if reply.Tag != protocol.TagInitPort || reply.Port != 30050 {
		t.Fatalf("expected InitPort(30050), got %s", reply)
	}
}

func TestServerRequestedPortOutOfRangeRejected(t *testing.T) {
	_, ln := startTestServer(t, nil)
	addr := ln.Addr().String()

	control := dialControl(t, addr)
	if err := control.Send(protocol.NewInitPort(80, nil)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply, err := control.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	if reply.Tag != protocol.TagError {
		t.Fatalf("expected Error reply for out-of-range port, got %s", reply)
	}
}

func TestServerAuthFailure(t *testing.T) {
	secret := "s3cr3t"
	_, ln := startTestServer(t, &secret)
	addr := ln.Addr().String()

	control := dialControl(t, addr)
	bad := "wrong"
	if err := control.Send(protocol.NewInitPort(0, &bad)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply, err := control.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	if reply.Tag != protocol.TagError {
		t.Fatalf("expected Error reply for bad secret, got %s", reply)
	}

	control2 := dialControl(t, addr)
	if err := control2.Send(protocol.NewInitPort(0, &secret)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply2, err := control2.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	if reply2.Tag != protocol.TagInitPort {
		t.Fatalf("expected InitPort reply with correct secret, got %s", reply2)
	}
}

func TestServerManagementDelete(t *testing.T) {
	s, ln := startTestServer(t, nil)
	addr := ln.Addr().String()

	control := dialControl(t, addr)
	if err := control.Send(protocol.NewInitPort(0, nil)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply, err := control.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	port := reply.Port

	tunnels := s.ListTunnels()
	found := false
	for _, info := range tunnels {
		if info.Port == port {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected port %d in ListTunnels", port)
	}

	if !s.DeleteTunnel(port) {
		t.Fatal("expected DeleteTunnel to report success")
	}
	if s.DeleteTunnel(port) {
		t.Fatal("expected second DeleteTunnel to report not-found")
	}

	// Next accept-loop iteration must observe the teardown and exit,
	// sending an Error over the control link. The pool-priming Connect
	// requests sent right after InitPort arrive first and are skipped.
	var final protocol.Message
	for {
		final, err = control.RecvWithin(protocol.NetworkTimeout + 2*time.Second)
		if err != nil {
			t.Fatalf("recv final message: %v", err)
		}
		if final.Tag != protocol.TagConnect {
			break
		}
	}
	if final.Tag != protocol.TagError {
		t.Fatalf("expected Error on teardown, got %s", final)
	}
}

func TestServerPoolStarvationRetriesConnect(t *testing.T) {
	s, ln := startTestServer(t, nil)
	addr := ln.Addr().String()

	control := dialControl(t, addr)
	if err := control.Send(protocol.NewInitPort(0, nil)); err != nil {
		t.Fatalf("send InitPort: %v", err)
	}
	reply, err := control.RecvWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	port := reply.Port

	// Count every Connect request without ever dialing back, so the pool
	// stays empty and an external client must wait.
	var connects atomic.Int32
	go func() {
		for {
			msg, err := control.Recv()
			if err != nil {
				return
			}
			if msg.Tag == protocol.TagConnect {
				connects.Add(1)
			}
		}
	}()

	external, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer external.Close()

	// Give pairExternalClient a few poll cycles to prove it doesn't give up.
	time.Sleep(3 * PoolPollInterval)

	if !s.Registry.Contains(port) {
		t.Fatal("expected tunnel to still be registered while starved")
	}

	// PoolSize priming requests plus one per accepted client; anything
	// beyond that was sent by the starved pairing task retrying.
	if got, base := connects.Load(), int32(s.PoolSize)+1; got <= base {
		t.Fatalf("got %d Connect requests, want more than %d (retries while starved)", got, base)
	}
}

