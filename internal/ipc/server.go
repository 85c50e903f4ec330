package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"sentryd/internal/logging"
	"sentryd/internal/monitor"
)

// Handler is the daemon side of the control channel.
type Handler interface {
	// HandleSignal injects one monitor signal.
	HandleSignal(sig monitor.Signal)

	// HandleMessage runs one inbound message through the command
	// pipeline. The returned error is reported to the injecting
	// collaborator, never to the message sender.
	HandleMessage(ctx context.Context, sender, body string) error

	// HandleStatus returns the daemon snapshot.
	HandleStatus(ctx context.Context) StatusPayload

	// HandleLocation caches a reported fix.
	HandleLocation(loc LocationPayload)

	// HandleMode drives a mode transition. The password is verified
	// daemon-side for guarded targets.
	HandleMode(ctx context.Context, target, password string) error

	// HandleStealth toggles the stealth flag.
	HandleStealth(ctx context.Context, hidden bool) error

	// HandleGrant lifts the file-manager restriction for the configured
	// duration, or revokes the active grant when cancel is set. The
	// password is verified daemon-side.
	HandleGrant(ctx context.Context, password string, cancel bool) error

	// HandleSilence stops the active alarm after verifying the password.
	HandleSilence(ctx context.Context, password string) error
}

// Server accepts line-JSON requests on a unix socket.
type Server struct {
	path    string
	handler Handler
	log     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a Server for the given socket path.
func NewServer(path string, handler Handler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default().WithComponent("ipc")
	}
	return &Server{
		path:    path,
		handler: handler,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one from a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	// Only the owner may drive the daemon.
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("ipc: server not listening")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.log.Info("control channel listening", "socket", s.path)
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops the listener and open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	os.Remove(s.path)
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.reply(enc, Response{Error: "malformed request"})
			continue
		}
		s.reply(enc, s.dispatch(ctx, &req))
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	switch req.Op {
	case OpPing:
		return Response{OK: true}

	case OpSignal:
		if req.Signal == nil {
			return Response{Error: "missing signal payload"}
		}
		sig, ok := ParseSignal(req.Signal)
		if !ok {
			return Response{Error: fmt.Sprintf("unknown signal kind %q", req.Signal.Kind)}
		}
		s.handler.HandleSignal(sig)
		return Response{OK: true}

	case OpMessage:
		if err := s.handler.HandleMessage(ctx, req.Sender, req.Body); err != nil {
			// Rejections are normal operation for the pipeline; the
			// collaborator still learns the classification.
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case OpStatus:
		status := s.handler.HandleStatus(ctx)
		return Response{OK: true, Status: &status}

	case OpLocation:
		if req.Location == nil {
			return Response{Error: "missing location payload"}
		}
		s.handler.HandleLocation(*req.Location)
		return Response{OK: true}

	case OpMode:
		if err := s.handler.HandleMode(ctx, req.Target, req.Password); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case OpStealth:
		if err := s.handler.HandleStealth(ctx, req.Hidden); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case OpGrant:
		if err := s.handler.HandleGrant(ctx, req.Password, req.Cancel); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case OpSilence:
		if err := s.handler.HandleSilence(ctx, req.Password); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	default:
		return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) reply(enc *json.Encoder, resp Response) {
	if err := enc.Encode(resp); err != nil {
		s.log.Debug("ipc reply failed", "error", err)
	}
}
