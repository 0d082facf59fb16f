package memtap

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/pior/memtap/binprot"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("memtap: server closed")

// DefaultServerVersion is reported to VERSION requests when Server.Version is empty.
const DefaultServerVersion = "1.6.0-memtap"

// Handler implements the data operations of a Server.
//
// Errors are turned into response statuses with binprot.StatusFromError, so
// a handler reports a missing key with binprot.ErrKeyNotFound and a failed
// ADD with binprot.ErrKeyExists.
type Handler interface {
	Get(ctx context.Context, key string) (Item, error)
	Store(ctx context.Context, op binprot.Opcode, item Item) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// Server answers binary protocol requests on accepted connections, one
// request at a time per connection.
//
// GET, GETK, SET, ADD, REPLACE and DELETE go to the Handler. VERSION is
// answered directly, QUIT closes the connection. Any other message, a
// response, or a decode error also closes the connection.
type Server struct {
	Handler Handler
	Version string
	Logger  *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*Connection]struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) init() {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.listeners = map[net.Listener]struct{}{}
		s.conns = map[*Connection]struct{}{}
	}
}

// ListenAndServe listens on the TCP address and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and serves each in its own goroutine.
// It always returns a non-nil error, ErrServerClosed after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.init()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	s.logger().Info("proxy server started", "addr", ln.Addr().String())

	for {
		conn, err := Accept(ln)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, ln)
			s.mu.Unlock()

			if closed {
				return ErrServerClosed
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}

		s.logger().Debug("accepted connection", "remote", conn.RemoteAddr().String())

		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConnection(s.ctx, conn)
		}()
	}
}

func (s *Server) track(conn *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) serveConnection(ctx context.Context, conn *Connection) {
	logger := s.logger().With("remote", conn.RemoteAddr().String())
	defer conn.Close()

	for {
		msg, err := ReceiveMessage(ctx, conn)
		switch {
		case errors.Is(err, ErrDisconnected):
			logger.Debug("client disconnected")
			return
		case errors.Is(err, context.Canceled):
			logger.Debug("server shutting down")
			return
		case err != nil:
			logger.Warn("closing connection", "error", err)
			return
		}

		if !msg.IsRequest() {
			logger.Warn("unexpected response", "opcode", msg.Metadata().Opcode.String())
			return
		}

		var rsp binprot.Message
		switch req := msg.(type) {
		case *binprot.GetRequest:
			rsp = s.handleGet(ctx, req)
		case *binprot.StoreRequest:
			rsp = s.handleStore(ctx, req)
		case *binprot.DeleteRequest:
			rsp = s.handleDelete(ctx, req)
		case *binprot.VersionRequest:
			rsp = s.handleVersion(req)
		case *binprot.QuitRequest:
			logger.Debug("quit received")
			return
		default:
			logger.Warn("unsupported operation", "opcode", msg.Metadata().Opcode.String())
			return
		}

		if err := conn.Send(rsp); err != nil {
			logger.Warn("sending response", "error", err)
			return
		}
	}
}

func (s *Server) statusFor(op binprot.Opcode, key string, err error) binprot.Status {
	status := binprot.StatusFromError(err)
	if status == binprot.StatusTemporaryFailure {
		s.logger().Warn("handler failed", "opcode", op.String(), "key", key, "error", err)
	}
	return status
}

func (s *Server) handleGet(ctx context.Context, req *binprot.GetRequest) binprot.Message {
	key := string(req.Key)
	item, err := s.Handler.Get(ctx, key)
	if err == nil && !item.Found {
		err = binprot.ErrKeyNotFound
	}

	rsp := binprot.NewResponseFor(req, s.statusFor(req.Opcode, key, err)).(*binprot.GetResponse)
	if req.Opcode == binprot.OpGetK {
		rsp.Key = req.Key
	}
	if err == nil {
		rsp.Value = item.Value
		rsp.Flags = item.Flags
		rsp.CAS = item.CAS
	}
	return rsp
}

func (s *Server) handleStore(ctx context.Context, req *binprot.StoreRequest) binprot.Message {
	key := string(req.Key)
	cas, err := s.Handler.Store(ctx, req.Opcode, Item{
		Key:     key,
		Value:   req.Value,
		Flags:   req.Flags,
		Expiry:  req.Expiry,
		CAS:     req.CAS,
		VBucket: req.VBucket,
	})

	rsp := binprot.NewResponseFor(req, s.statusFor(req.Opcode, key, err))
	if err == nil {
		rsp.Metadata().CAS = cas
	}
	return rsp
}

func (s *Server) handleDelete(ctx context.Context, req *binprot.DeleteRequest) binprot.Message {
	key := string(req.Key)
	err := s.Handler.Delete(ctx, key)
	return binprot.NewResponseFor(req, s.statusFor(req.Opcode, key, err))
}

func (s *Server) handleVersion(req *binprot.VersionRequest) binprot.Message {
	rsp := binprot.NewResponseFor(req, binprot.StatusNoError).(*binprot.VersionResponse)
	rsp.Version = s.Version
	if rsp.Version == "" {
		rsp.Version = DefaultServerVersion
	}
	return rsp
}

// Shutdown stops the listeners, interrupts the connections and waits for
// their goroutines to exit or for ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.init()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger().Info("proxy server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientHandler serves a Server from the servers of a Client.
type ClientHandler struct {
	Client *Client
}

func (h ClientHandler) Get(ctx context.Context, key string) (Item, error) {
	return h.Client.Get(ctx, key)
}

func (h ClientHandler) Store(ctx context.Context, op binprot.Opcode, item Item) (uint64, error) {
	switch op {
	case binprot.OpSet:
		return h.Client.Set(ctx, item)
	case binprot.OpAdd:
		return h.Client.Add(ctx, item)
	case binprot.OpReplace:
		return h.Client.Replace(ctx, item)
	}
	return 0, binprot.ErrUnknownCommand
}

func (h ClientHandler) Delete(ctx context.Context, key string) error {
	return h.Client.Delete(ctx, key)
}
