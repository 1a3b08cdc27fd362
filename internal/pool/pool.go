// Package pool implements the per-public-port data-connection pool: a
// concurrent mapping from port to a bounded FIFO queue of pre-warmed
// proxy streams, serialized through a single owner actor exactly like
// internal/registry.
package pool

import (
	"net"
	"strconv"

	"github.com/portwarden/portwarden/internal/metrics"
)

// DefaultSize is the pool cap used when a caller does not configure one.
const DefaultSize = 8

type opKind int

const (
	opPush opKind = iota
	opPop
	opRemove
	opLen
	opReset
)

type command struct {
	kind   opKind
	port   uint16
	stream net.Conn
	reply  chan any
}

// Pool owns the live port -> queue map behind a single goroutine.
type Pool struct {
	commands chan command
	done     chan struct{}
	size     int
}

// New starts the pool actor with the given per-port capacity and returns
// a handle to it. size <= 0 falls back to DefaultSize.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		commands: make(chan command),
		done:     make(chan struct{}),
		size:     size,
	}
	go p.run()
	return p
}

func (p *Pool) run() {
	queues := make(map[uint16][]net.Conn)
	// torndown marks a port whose pool was removed; pushes for it are
	// dropped until Reset re-opens it for a fresh tunnel on that port.
	torndown := make(map[uint16]bool)

	for cmd := range p.commands {
		switch cmd.kind {
		case opPush:
			if torndown[cmd.port] {
				_ = cmd.stream.Close()
				continue
			}
			q := queues[cmd.port]
			if len(q) >= p.size {
				// Surplus entries are dropped and the stream closed.
				_ = cmd.stream.Close()
				continue
			}
			queues[cmd.port] = append(q, cmd.stream)
			setPoolEntries(cmd.port, len(queues[cmd.port]))
		case opPop:
			q := queues[cmd.port]
			if len(q) == 0 {
				cmd.reply <- net.Conn(nil)
				continue
			}
			cmd.reply <- q[0]
			queues[cmd.port] = q[1:]
			setPoolEntries(cmd.port, len(queues[cmd.port]))
		case opRemove:
			for _, c := range queues[cmd.port] {
				_ = c.Close()
			}
			delete(queues, cmd.port)
			torndown[cmd.port] = true
			setPoolEntries(cmd.port, 0)
			if cmd.reply != nil {
				cmd.reply <- struct{}{}
			}
		case opReset:
			delete(torndown, cmd.port)
			setPoolEntries(cmd.port, len(queues[cmd.port]))
			if cmd.reply != nil {
				cmd.reply <- struct{}{}
			}
		case opLen:
			cmd.reply <- len(queues[cmd.port])
		}
	}
	close(p.done)
}

func setPoolEntries(port uint16, n int) {
	metrics.PoolEntries.WithLabelValues(strconv.Itoa(int(port))).Set(float64(n))
}

// Push files stream under port's queue in FIFO order. If the queue is
// already at capacity, or the port's queue has been removed, the
// surplus connection is dropped and closed.
func (p *Pool) Push(port uint16, stream net.Conn) {
	p.commands <- command{kind: opPush, port: port, stream: stream}
}

// Pop removes and returns the oldest entry for port, or nil if the
// queue is empty. Pop never blocks on I/O.
func (p *Pool) Pop(port uint16) net.Conn {
	reply := make(chan any, 1)
	p.commands <- command{kind: opPop, port: port, reply: reply}
	conn, _ := (<-reply).(net.Conn)
	return conn
}

// Remove closes and discards every queued entry for port and tombstones
// it: a later Push for the same port is dropped and the stream closed
// until a matching Reset re-opens the port for a fresh tunnel.
func (p *Pool) Remove(port uint16) {
	reply := make(chan any, 1)
	p.commands <- command{kind: opRemove, port: port, reply: reply}
	<-reply
}

// Reset re-opens port for pushes after a prior Remove, for the case
// where the server re-primes the pool on a fresh InitPort for the same
// public port.
func (p *Pool) Reset(port uint16) {
	reply := make(chan any, 1)
	p.commands <- command{kind: opReset, port: port, reply: reply}
	<-reply
}

// Len reports the current queue length for port, for tests and metrics.
func (p *Pool) Len(port uint16) int {
	reply := make(chan any, 1)
	p.commands <- command{kind: opLen, port: port, reply: reply}
	return (<-reply).(int)
}

// Close stops the actor goroutine. It does not close any still-queued
// stream; callers that need queues drained should Remove every port
// first. Further operations on a closed Pool will block forever.
func (p *Pool) Close() {
	close(p.commands)
	<-p.done
}
