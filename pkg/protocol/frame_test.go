package protocol

import (
	"net"
	"testing"
	"time"
)

func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	server, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := server.Accept()
		accepted <- acceptResult{c, err}
	}()

	client, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	return client, res.conn
}

func TestFrameConnSendRecv(t *testing.T) {
	a, b := connPair(t)
	defer a.Close()
	defer b.Close()

	sender := NewFrameConn(a)
	receiver := NewFrameConn(b)

	want := NewInitPort(1234, nil)
	if err := sender.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := receiver.RecvTimeout()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Tag != want.Tag || got.Port != want.Port {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFrameConnMultipleFrames(t *testing.T) {
	a, b := connPair(t)
	defer a.Close()
	defer b.Close()

	sender := NewFrameConn(a)
	receiver := NewFrameConn(b)

	msgs := []Message{NewHeartbeat(), NewConnect(10000, nil), NewError("boom")}
	for _, m := range msgs {
		if err := sender.Send(m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	for i, want := range msgs {
		got, err := receiver.RecvTimeout()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if got.Tag != want.Tag {
			t.Errorf("frame %d: got tag %v, want %v", i, got.Tag, want.Tag)
		}
	}
}

func TestFrameConnRecvTimeout(t *testing.T) {
	a, b := connPair(t)
	defer a.Close()
	defer b.Close()

	receiver := NewFrameConn(b)
	_ = a

	start := time.Now()
	_, err := receiver.RecvWithin(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestFrameConnSplit(t *testing.T) {
	a, b := connPair(t)
	defer a.Close()
	defer b.Close()

	sender := NewFrameConn(a)
	receiver := NewFrameConn(b)

	_, recvHalf := receiver.Split()
	sendHalf, _ := sender.Split()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sendHalf.Send(NewHeartbeat()); err != nil {
			t.Errorf("send: %v", err)
		}
	}()

	got, err := recvHalf.RecvTimeout()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Tag != TagHeartbeat {
		t.Errorf("got %v, want Heartbeat", got.Tag)
	}
	<-done
}
