// Package registry implements the tunnel registry: a concurrent mapping
// from public port to tunnel metadata, serialized through a single owner
// task in the actor style used throughout this module (see internal/pool
// for the same pattern applied to pooled data connections).
package registry

import "time"

// Info is the per-public-port record tracked by the registry. It is
// immutable except for Bytes, which only grows. ID identifies this
// particular tunnel instance independent of its port, so two
// back-to-back tunnels on the same port are never confused internally,
// but it has no slot in the wire contract (spec.md §6's
// /api/connects entries are exactly {port, src, time, data}), so it is
// not marshaled.
type Info struct {
	ID        string    `json:"-"`
	Port      uint16    `json:"port"`
	Src       string    `json:"src"`
	StartTime time.Time `json:"time"`
	Bytes     uint64    `json:"data"`
}

type opKind int

const (
	opInsert opKind = iota
	opRemove
	opContains
	opGet
	opAddBytes
	opSnapshot
)

type command struct {
	kind  opKind
	port  uint16
	info  Info
	bytes uint64
	reply chan any
}

// Registry owns the live map of port -> Info behind a single goroutine.
// Every operation is a message sent on a channel, linearizing all reads
// and writes into one sequential history.
type Registry struct {
	commands chan command
	done     chan struct{}
}

// New starts the registry actor and returns a handle to it.
func New() *Registry {
	r := &Registry{
		commands: make(chan command),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	tunnels := make(map[uint16]Info)
	for cmd := range r.commands {
		switch cmd.kind {
		case opInsert:
			tunnels[cmd.port] = cmd.info
			if cmd.reply != nil {
				cmd.reply <- struct{}{}
			}
		case opRemove:
			delete(tunnels, cmd.port)
			if cmd.reply != nil {
				cmd.reply <- struct{}{}
			}
		case opContains:
			_, ok := tunnels[cmd.port]
			cmd.reply <- ok
		case opGet:
			info, ok := tunnels[cmd.port]
			if !ok {
				cmd.reply <- (*Info)(nil)
			} else {
				copied := info
				cmd.reply <- &copied
			}
		case opAddBytes:
			if info, ok := tunnels[cmd.port]; ok {
				info.Bytes += cmd.bytes
				tunnels[cmd.port] = info
			}
		case opSnapshot:
			snap := make([]Info, 0, len(tunnels))
			for _, info := range tunnels {
				snap = append(snap, info)
			}
			cmd.reply <- snap
		}
	}
	close(r.done)
}

// Insert adds or replaces the tunnel info for port.
func (r *Registry) Insert(port uint16, info Info) {
	reply := make(chan any, 1)
	r.commands <- command{kind: opInsert, port: port, info: info, reply: reply}
	<-reply
}

// Remove deletes the tunnel for port, if any. Removing a port that is
// not present is a no-op, so two consecutive removes are equivalent to
// one.
func (r *Registry) Remove(port uint16) {
	reply := make(chan any, 1)
	r.commands <- command{kind: opRemove, port: port, reply: reply}
	<-reply
}

// Contains reports whether port currently has a live tunnel.
func (r *Registry) Contains(port uint16) bool {
	reply := make(chan any, 1)
	r.commands <- command{kind: opContains, port: port, reply: reply}
	return (<-reply).(bool)
}

// Get returns a copy of the tunnel info for port, or nil if absent.
func (r *Registry) Get(port uint16) *Info {
	reply := make(chan any, 1)
	r.commands <- command{kind: opGet, port: port, reply: reply}
	return (<-reply).(*Info)
}

// AddBytes folds n additional bytes into port's running total. It is
// fire-and-forget: concurrent AddBytes calls for the same port commute,
// since they are linearized by the single actor goroutine.
func (r *Registry) AddBytes(port uint16, n uint64) {
	r.commands <- command{kind: opAddBytes, port: port, bytes: n}
}

// Snapshot returns a consistent point-in-time copy of all live tunnels.
func (r *Registry) Snapshot() []Info {
	reply := make(chan any, 1)
	r.commands <- command{kind: opSnapshot, reply: reply}
	return (<-reply).([]Info)
}

// Close stops the actor goroutine. Further operations on a closed
// Registry will block forever; callers should not use it after Close.
func (r *Registry) Close() {
	close(r.commands)
	<-r.done
}
