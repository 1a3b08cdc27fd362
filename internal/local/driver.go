// Package local implements the local side of one tunnel link (component
// H): it dials the server's control port, negotiates InitPort, then
// answers every Connect request by opening a fresh connection back to
// the server and piping it to the configured local service.
package local

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/portwarden/portwarden/internal/proxy"
	"github.com/portwarden/portwarden/pkg/protocol"
)

// LocalHeartbeatInterval is the cadence at which the local side emits
// heartbeats on the control link.
const LocalHeartbeatInterval = 3 * time.Second

// DialTimeout bounds both the control-link dial and the dial to the
// local service for each data connection.
const DialTimeout = 5 * time.Second

// Link describes one tunnel: a local service to expose, and the
// requested public port (0 for "any free port in the server's range").
type Link struct {
	LocalHost     string
	LocalPort     uint16
	RequestedPort uint16
}

func (l Link) target() string {
	return net.JoinHostPort(l.LocalHost, fmt.Sprintf("%d", l.LocalPort))
}

// Driver runs one Link against one server for a single control-link
// lifetime. It does not reconnect on its own: a dropped connection or
// dial failure is returned to the caller, which owns the retry cycle
// (see cmd/local's continuous connection loop, grounded in the
// teacher's own retry cycle in cmd/client/main.go).
type Driver struct {
	ServerAddr string
	Secret     *string
	Link       Link
	Logger     zerolog.Logger
}

// NewDriver builds a Driver bound to one server and one link.
func NewDriver(serverAddr string, secret *string, link Link, logger zerolog.Logger) *Driver {
	return &Driver{
		ServerAddr: serverAddr,
		Secret:     secret,
		Link:       link,
		Logger:     logger.With().Str("local", link.target()).Logger(),
	}
}

// Run dials the server, negotiates InitPort, and serves Connect
// requests until the control link fails or stop is closed, whichever
// comes first. Callers that want auto-reconnect call Run again.
func (d *Driver) Run(stop <-chan struct{}) error {
	conn, err := net.DialTimeout("tcp", d.ServerAddr, DialTimeout)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	fc := protocol.NewFrameConn(conn)

	if err := fc.Send(protocol.NewInitPort(d.Link.RequestedPort, d.Secret)); err != nil {
		fc.Close()
		return fmt.Errorf("send InitPort: %w", err)
	}

	reply, err := fc.RecvWithin(DialTimeout)
	if err != nil {
		fc.Close()
		return fmt.Errorf("recv InitPort reply: %w", err)
	}
	if reply.Tag == protocol.TagError {
		fc.Close()
		return fmt.Errorf("server rejected InitPort: %s", reply.Reason)
	}
	if reply.Tag != protocol.TagInitPort {
		fc.Close()
		return fmt.Errorf("unexpected reply to InitPort: %s", reply)
	}

	port := reply.Port
	logger := d.Logger.With().Uint16("port", port).Logger()
	logger.Info().Msg("tunnel established")

	sender, receiver := fc.Split()

	heartbeatsDone := make(chan struct{})
	go func() {
		defer close(heartbeatsDone)
		d.emitHeartbeats(sender, stop)
	}()
	defer func() {
		fc.Close()
		<-heartbeatsDone
	}()

	// Closing fc is what unblocks receiver.Recv() below once stop fires;
	// Recv has no way to select on a channel directly.
	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-stop:
			fc.Close()
		case <-cancelWatch:
		}
	}()
	defer close(cancelWatch)

	for {
		msg, err := receiver.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}

		switch msg.Tag {
		case protocol.TagConnect:
			go d.serveConnect(port, logger)
		case protocol.TagHeartbeat:
			logger.Trace().Msg("server >> heartbeat")
		case protocol.TagError:
			return fmt.Errorf("server error: %s", msg.Reason)
		default:
			logger.Warn().Str("msg", msg.String()).Msg("unexpected message, ignoring")
		}
	}
}

// serveConnect answers one Connect request: dial the server back,
// identify the data connection with Connect(port, secret), dial the
// local service, and pipe the two together.
func (d *Driver) serveConnect(port uint16, logger zerolog.Logger) {
	serverConn, err := net.DialTimeout("tcp", d.ServerAddr, DialTimeout)
	if err != nil {
		logger.Warn().Err(err).Msg("dial server for data connection failed")
		return
	}
	dfc := protocol.NewFrameConn(serverConn)
	if err := dfc.Send(protocol.NewConnect(port, d.Secret)); err != nil {
		dfc.Close()
		logger.Warn().Err(err).Msg("send Connect failed")
		return
	}

	localConn, err := net.DialTimeout("tcp", d.Link.target(), DialTimeout)
	if err != nil {
		dfc.Close()
		logger.Warn().Err(err).Msg("dial local service failed")
		return
	}

	result, err := proxy.Pipe(dfc.Conn(), localConn)
	if err != nil {
		logger.Debug().Err(err).Int64("bytes", result.Total()).Msg("pairing ended with error")
	} else {
		logger.Debug().Int64("bytes", result.Total()).Msg("pairing ended")
	}
}

func (d *Driver) emitHeartbeats(sender *protocol.FrameSender, stop <-chan struct{}) {
	ticker := time.NewTicker(LocalHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sender.Send(protocol.NewHeartbeat()); err != nil {
				return
			}
		}
	}
}
