// Package server implements the server side of the tunnel: the
// control-link handler (component G), the management interface
// (component I), and the top-level accept loop and teardown lifecycle
// (component J). It ties together the registry, pool and port allocator
// packages, each of which owns its own state behind its own actor or
// mutex.
package server

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portwarden/portwarden/internal/metrics"
	"github.com/portwarden/portwarden/internal/pool"
	"github.com/portwarden/portwarden/internal/portalloc"
	"github.com/portwarden/portwarden/internal/proxy"
	"github.com/portwarden/portwarden/internal/registry"
	"github.com/portwarden/portwarden/pkg/protocol"
)

// ServerHeartbeatInterval is the cadence at which the server emits
// heartbeats on an active tunnel's control link.
const ServerHeartbeatInterval = 15 * time.Second

// PoolPollInterval is how often a pairing task re-checks the pool while
// waiting for a replacement data connection.
const PoolPollInterval = 100 * time.Millisecond

// Server owns the registry, pool and port allocator for one server
// process. Tests may construct several independent Servers in one
// process; nothing here is a package-level singleton.
type Server struct {
	Secret   *string // hex-encoded sha256, or nil if auth is disabled
	PoolSize int

	Registry  *registry.Registry
	Pool      *pool.Pool
	Allocator *portalloc.Allocator
	Logger    zerolog.Logger

	mu        sync.Mutex
	listeners map[uint16]net.Listener
}

// New builds a Server over [portMin, portMax) with the given pool size
// and optional hex-encoded secret.
func New(portMin, portMax uint16, poolSize int, secret *string, logger zerolog.Logger) *Server {
	if poolSize <= 0 {
		poolSize = pool.DefaultSize
	}
	return &Server{
		Secret:    secret,
		PoolSize:  poolSize,
		Registry:  registry.New(),
		Pool:      pool.New(poolSize),
		Allocator: portalloc.New(portMin, portMax),
		Logger:    logger,
		listeners: make(map[uint16]net.Listener),
	}
}

// Close stops the registry and pool actors. Call after all handler
// goroutines have exited.
func (s *Server) Close() {
	s.Registry.Close()
	s.Pool.Close()
}

// Serve accepts control connections on ln until it is closed or
// returns a fatal error. Each inbound connection gets its own handler
// goroutine; handler failures are logged and never bring down the
// listener (spec.md §7/§9: propagation policy, supervision).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("server: accept control connection: %w", err)
		}

		go func() {
			logger := s.Logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
			logger.Info().Msg("incoming control connection")
			if err := s.handleControlConnection(conn, logger); err != nil {
				logger.Warn().Err(err).Msg("control connection exited with error")
			} else {
				logger.Info().Msg("control connection exited")
			}
		}()
	}
}

func (s *Server) handleControlConnection(conn net.Conn, logger zerolog.Logger) error {
	fc := protocol.NewFrameConn(conn)

	msg, err := fc.RecvTimeout()
	if err != nil {
		return fmt.Errorf("recv first message: %w", err)
	}

	switch msg.Tag {
	case protocol.TagInitPort:
		if err := s.authenticate(msg.Secret); err != nil {
			_ = fc.Send(protocol.NewError("auth failed"))
			fc.Close()
			return err
		}
		return s.handleInitPort(fc, msg.Port, conn.RemoteAddr().String(), logger)

	case protocol.TagConnect:
		if err := s.authenticate(msg.Secret); err != nil {
			_ = fc.Send(protocol.NewError("auth failed"))
			fc.Close()
			return err
		}
		s.Pool.Push(msg.Port, conn)
		return nil

	default:
		_ = fc.Send(protocol.NewError(fmt.Sprintf("unexpected first message: %s", msg)))
		fc.Close()
		return fmt.Errorf("unexpected first message: %s", msg)
	}
}

// authenticate compares the message's secret against the server's
// configured secret in constant time. Absence on either side is
// acceptable iff both sides lack one.
func (s *Server) authenticate(secret *string) error {
	if s.Secret == nil {
		return nil
	}
	if secret == nil {
		return fmt.Errorf("auth failed: secret required")
	}
	if subtle.ConstantTimeCompare([]byte(*s.Secret), []byte(*secret)) != 1 {
		return fmt.Errorf("auth failed: secret mismatch")
	}
	return nil
}

func (s *Server) handleInitPort(fc *protocol.FrameConn, requested uint16, src string, logger zerolog.Logger) error {
	ln, err := s.Allocator.Allocate(requested)
	if err != nil {
		_ = fc.Send(protocol.NewError(fmt.Sprintf("create control port failed: %s", err)))
		fc.Close()
		return fmt.Errorf("allocate port: %w", err)
	}

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	logger = logger.With().Uint16("port", port).Logger()
	logger.Info().Msg("new tunnel")

	s.mu.Lock()
	s.listeners[port] = ln
	s.mu.Unlock()

	s.Pool.Reset(port)
	s.Registry.Insert(port, registry.Info{ID: uuid.NewString(), Port: port, Src: src, StartTime: time.Now()})
	metrics.TunnelsActive.Inc()

	defer s.teardown(port, ln)

	if err := fc.Send(protocol.NewInitPort(port, nil)); err != nil {
		return fmt.Errorf("send InitPort reply: %w", err)
	}

	return s.acceptLoop(fc, ln, port, logger)
}

func (s *Server) teardown(port uint16, ln net.Listener) {
	_ = ln.Close()
	s.Registry.Remove(port)
	s.Pool.Remove(port)
	metrics.TunnelsActive.Dec()

	s.mu.Lock()
	delete(s.listeners, port)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(fc *protocol.FrameConn, ln net.Listener, port uint16, logger zerolog.Logger) error {
	sender, receiver := fc.Split()

	go s.consumeHeartbeats(receiver, port, logger)
	go s.emitHeartbeats(sender, port, logger)

	s.primePool(sender, port)

	for {
		if !s.Registry.Contains(port) {
			_ = sender.Send(protocol.NewError("server closed this connection"))
			return nil
		}

		external, err := acceptWithin(ln, protocol.NetworkTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("accept external client: %w", err)
		}
		acceptedAt := time.Now()

		if err := sender.Send(protocol.NewConnect(port, nil)); err != nil {
			_ = external.Close()
			return fmt.Errorf("send Connect: %w", err)
		}

		go s.pairExternalClient(external, sender, port, acceptedAt, logger)
	}
}

func (s *Server) primePool(sender *protocol.FrameSender, port uint16) {
	for i := 0; i < s.PoolSize; i++ {
		_ = sender.Send(protocol.NewConnect(port, nil))
	}
}

func (s *Server) pairExternalClient(external net.Conn, sender *protocol.FrameSender, port uint16, acceptedAt time.Time, logger zerolog.Logger) {
	for {
		if !s.Registry.Contains(port) {
			_ = external.Close()
			return
		}

		entry := s.Pool.Pop(port)
		if entry == nil {
			_ = sender.Send(protocol.NewConnect(port, nil))
			time.Sleep(PoolPollInterval)
			continue
		}
		metrics.ProxyPairingLatency.Observe(time.Since(acceptedAt).Seconds())

		result, err := proxy.Pipe(external, entry)
		s.Registry.AddBytes(port, uint64(result.Total()))
		metrics.ProxyBytesTotal.WithLabelValues(portLabel(port), "a_to_b").Add(float64(result.BytesAToB))
		metrics.ProxyBytesTotal.WithLabelValues(portLabel(port), "b_to_a").Add(float64(result.BytesBToA))
		if err != nil {
			metrics.ProxyPairingsTotal.WithLabelValues(portLabel(port), "error").Inc()
			logger.Warn().Err(err).Msg("pairing ended with error")
		} else {
			metrics.ProxyPairingsTotal.WithLabelValues(portLabel(port), "ok").Inc()
		}
		return
	}
}

// consumeHeartbeats drains inbound frames on the control link. A recv
// error means the link is dead with no other signal to catch it (the
// local may have vanished without a peer ever dialing in again), so it
// reaps the tunnel immediately rather than waiting on the accept loop's
// own registry check to notice on its own.
func (s *Server) consumeHeartbeats(receiver *protocol.FrameReceiver, port uint16, logger zerolog.Logger) {
	for {
		msg, err := receiver.Recv()
		if err != nil {
			logger.Warn().Err(err).Msg("control link recv failed, tunnel considered dead")
			s.Registry.Remove(port)
			return
		}
		if msg.Tag == protocol.TagHeartbeat {
			logger.Trace().Msg("local >> heartbeat")
		}
	}
}

// emitHeartbeats sends periodic heartbeats on the control link. A send
// failure is the same signal: the local is gone, so the registry entry
// is removed here rather than left for the accept loop to eventually
// time out on, which would otherwise leave an idle listener and a
// phantom /api/connects entry until some other client happened to
// dial in (spec.md §4.H: detect a dead local within one server
// heartbeat interval).
func (s *Server) emitHeartbeats(sender *protocol.FrameSender, port uint16, logger zerolog.Logger) {
	ticker := time.NewTicker(ServerHeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !s.Registry.Contains(port) {
			return
		}
		if err := sender.Send(protocol.NewHeartbeat()); err != nil {
			logger.Warn().Err(err).Msg("heartbeat send failed, tunnel considered dead")
			s.Registry.Remove(port)
			return
		}
	}
}

// acceptWithin re-arms ln's accept deadline before each call, letting
// the accept loop wake up periodically to re-check the registry
// without leaking a goroutine per timeout the way a select-based
// wrapper would.
func acceptWithin(ln net.Listener, d time.Duration) (net.Conn, error) {
	if deadliner, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		if err := deadliner.SetDeadline(time.Now().Add(d)); err != nil {
			return nil, fmt.Errorf("set accept deadline: %w", err)
		}
	}
	return ln.Accept()
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

func portLabel(port uint16) string {
	return fmt.Sprintf("%d", port)
}
