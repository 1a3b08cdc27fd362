package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// NetworkTimeout bounds connect, send, and receive on a control link
// unless a caller asks for a different timeout explicitly.
const NetworkTimeout = 5 * time.Second

// FrameConn sends and receives Messages as NUL-terminated JSON frames
// over a TCP connection. It does not interpret message semantics.
type FrameConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewFrameConn wraps an established connection in the frame codec.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn, reader: bufio.NewReader(conn)}
}

// Send encodes msg as JSON and writes it terminated by a NUL byte,
// bounded by the network timeout.
func (f *FrameConn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	data = append(data, 0)
	if err := f.conn.SetWriteDeadline(time.Now().Add(NetworkTimeout)); err != nil {
		return fmt.Errorf("protocol: set write deadline: %w", err)
	}
	if _, err := f.conn.Write(data); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Recv reads bytes until a NUL terminator and decodes the intervening
// bytes as a Message. It blocks indefinitely; use RecvTimeout to bound it.
func (f *FrameConn) Recv() (Message, error) {
	// No deadline: caller controls blocking behavior via RecvTimeout.
	if err := f.conn.SetReadDeadline(time.Time{}); err != nil {
		return Message{}, fmt.Errorf("protocol: clear read deadline: %w", err)
	}
	return f.recv()
}

// RecvTimeout reads and decodes the next frame, failing if none arrives
// within the default network timeout.
func (f *FrameConn) RecvTimeout() (Message, error) {
	return f.RecvWithin(NetworkTimeout)
}

// RecvWithin reads and decodes the next frame, failing if none arrives
// within d.
func (f *FrameConn) RecvWithin(d time.Duration) (Message, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Message{}, fmt.Errorf("protocol: set read deadline: %w", err)
	}
	return f.recv()
}

func (f *FrameConn) recv() (Message, error) {
	raw, err := f.reader.ReadBytes(0)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: read frame: %w", err)
	}
	raw = raw[:len(raw)-1] // drop the NUL terminator

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return msg, nil
}

// Split divides the frame connection into independent send and receive
// halves sharing the underlying socket, so a heartbeat sender can run
// concurrently with a receive loop.
func (f *FrameConn) Split() (*FrameSender, *FrameReceiver) {
	return &FrameSender{f}, &FrameReceiver{f}
}

// Conn returns the underlying net.Conn, e.g. to hand it to the proxy
// once the control handshake on it is complete.
func (f *FrameConn) Conn() net.Conn {
	return f.conn
}

// Close closes the underlying connection.
func (f *FrameConn) Close() error {
	return f.conn.Close()
}

// FrameSender is the send half of a split FrameConn.
type FrameSender struct {
	f *FrameConn
}

// Send writes a frame. Safe to call concurrently with FrameReceiver's methods.
func (s *FrameSender) Send(msg Message) error {
	return s.f.Send(msg)
}

// FrameReceiver is the receive half of a split FrameConn.
type FrameReceiver struct {
	f *FrameConn
}

// Recv blocks until the next frame arrives.
func (r *FrameReceiver) Recv() (Message, error) {
	return r.f.Recv()
}

// RecvTimeout bounds the wait by the default network timeout.
func (r *FrameReceiver) RecvTimeout() (Message, error) {
	return r.f.RecvTimeout()
}

// RecvWithin bounds the wait by d.
func (r *FrameReceiver) RecvWithin(d time.Duration) (Message, error) {
	return r.f.RecvWithin(d)
}
