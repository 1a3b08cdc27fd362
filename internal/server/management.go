package server

import "github.com/portwarden/portwarden/internal/registry"

// ListTunnels returns a snapshot of every live tunnel (component I: the
// management interface consumed by cmd/server's fiber routes).
func (s *Server) ListTunnels() []registry.Info {
	return s.Registry.Snapshot()
}

// DeleteTunnel tears a tunnel down out-of-band: the next accept-loop
// iteration for that port observes the registry entry is gone and exits,
// closing the listener and draining the pool via teardown. Reports
// whether a tunnel was present to delete.
func (s *Server) DeleteTunnel(port uint16) bool {
	if !s.Registry.Contains(port) {
		return false
	}
	s.Registry.Remove(port)
	return true
}
