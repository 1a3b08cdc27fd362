// Package proxy copies bytes between two TCP streams until both
// directions have ended, reporting the total bytes transferred. It does no framing or
// interpretation of the bytes it moves.
package proxy

import (
	"io"
	"net"
)

// Result reports the byte totals of a completed pairing.
type Result struct {
	// BytesAToB is the number of bytes copied from a into b.
	BytesAToB int64
	// BytesBToA is the number of bytes copied from b into a.
	BytesBToA int64
}

// Total returns the combined byte count of both directions.
func (r Result) Total() int64 {
	return r.BytesAToB + r.BytesBToA
}

// Pipe copies data between a and b concurrently. When one direction
// returns EOF or error, Pipe half-closes the write side of that
// direction's destination (where the connection supports CloseWrite)
// and keeps copying the other direction; it does not end the pairing
// at that point. Pipe returns only after both directions have ended,
// then closes both connections and returns the byte totals of each
// direction. The returned error is the first non-EOF error of either
// direction; Result carries both directions' counts even then.
func Pipe(a, b net.Conn) (Result, error) {
	type copyResult struct {
		n   int64
		err error
	}

	aToB := make(chan copyResult, 1)
	bToA := make(chan copyResult, 1)

	go func() {
		n, err := io.Copy(b, a)
		aToB <- copyResult{n, err}
		closeWrite(b)
	}()
	go func() {
		n, err := io.Copy(a, b)
		bToA <- copyResult{n, err}
		closeWrite(a)
	}()

	first := <-aToB
	second := <-bToA

	a.Close()
	b.Close()

	result := Result{BytesAToB: first.n, BytesBToA: second.n}

	if err := firstError(first.err, second.err); err != nil {
		return result, err
	}
	return result, nil
}

// halfCloser is implemented by connections that support closing the
// write side while keeping the read side open (e.g. *net.TCPConn).
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// firstError returns the first non-nil, non-EOF error among errs.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}
