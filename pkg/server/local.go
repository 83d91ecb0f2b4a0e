package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"

	"github.com/sashimono/agent/pkg/api"
	"github.com/sashimono/agent/pkg/log"
)

const (
	// AdminGroup owns the control socket; membership is the only access
	// control on the local channel.
	AdminGroup = "sashiadmin"

	// maxDatagram bounds a single request frame
	maxDatagram = 128 * 1024
)

// LocalServer accepts one-shot admin requests on a SOCK_SEQPACKET domain
// socket: one request datagram in, one response datagram out, connection
// closed. The CLI is a thin client over this.
type LocalServer struct {
	socketPath string
	dispatcher *api.Dispatcher

	listener *net.UnixListener
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

// NewLocalServer builds a local control server at socketPath
func NewLocalServer(socketPath string, dispatcher *api.Dispatcher) *LocalServer {
	return &LocalServer{socketPath: socketPath, dispatcher: dispatcher}
}

// Start binds the socket and begins accepting in the background
func (s *LocalServer) Start() error {
	// A previous run may have left the socket behind
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	addr := &net.UnixAddr{Name: s.socketPath, Net: "unixpacket"}
	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	if err := s.restrictAccess(); err != nil {
		ln.Close()
		return err
	}

	s.wg.Add(1)
	go s.acceptLoop()

	log.WithComponent("server").Info().Str("socket", s.socketPath).Msg("local control socket listening")
	return nil
}

// restrictAccess hands the socket to the admin group, mode 0660
func (s *LocalServer) restrictAccess() error {
	grp, err := user.LookupGroup(AdminGroup)
	if err != nil {
		return fmt.Errorf("failed to look up group %s: %w", AdminGroup, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid for group %s: %w", AdminGroup, err)
	}
	if err := os.Chown(s.socketPath, -1, gid); err != nil {
		return fmt.Errorf("failed to chown socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		return fmt.Errorf("failed to chmod socket: %w", err)
	}
	return nil
}

func (s *LocalServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithComponent("server").Error().Err(err).Msg("accept failed")
			continue
		}
		s.serve(conn)
	}
}

// serve handles a single request/response exchange. Requests are processed
// inline so the accept loop doubles as the serializing handler thread.
func (s *LocalServer) serve(conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to read request datagram")
		return
	}

	resp := s.dispatcher.Handle(buf[:n])
	if _, err := conn.Write(resp); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("failed to write response datagram")
	}
}

// Stop closes the listener, waits for the accept loop and removes the socket
func (s *LocalServer) Stop() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
