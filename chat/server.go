// Package chat is the server side of the local chat service: admission under
// a capacity bound, one worker per connection, and coordinated shutdown.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ipc "github.com/jc-lab/psk-local-chat-go"
	"github.com/jc-lab/psk-local-chat-go/logger"
)

// ErrServerClosed is returned by Serve after an orderly shutdown.
var ErrServerClosed = errors.New("chat: server closed")

// DefaultHandshakeTimeout bounds the handshake of an admitted connection when
// Config.IPC does not set one.
const DefaultHandshakeTimeout = 10 * time.Second

// Listener is the acceptance side of the channel endpoint. *ipc.Endpoint
// implements it.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
}

// Config holds the server settings.
type Config struct {
	// Capacity bounds the number of admitted connections.
	Capacity int
	// IPC carries the pre-shared key, message size and handshake timeout.
	IPC *ipc.ServerConfig
	// ShutdownGrace is how long a worker blocked in a read may keep reading
	// after shutdown is requested before its connection is closed under it.
	ShutdownGrace time.Duration
	// PollInterval, when positive, bounds each blocking read so the worker
	// wakes up to re-check the shutdown flag.
	PollInterval time.Duration
	Sink         Sink
	Logger       *slog.Logger
}

// Stats counts connections over the server's lifetime.
type Stats struct {
	Accepted int64
	Admitted int64
	Rejected int64
	Active   int
}

func (s Stats) String() string {
	return fmt.Sprintf("[%d/%d]", s.Active, s.Admitted)
}

// Server runs the acceptance loop over a Listener.
type Server struct {
	cfg      Config
	listener Listener
	registry *Registry
	log      *slog.Logger

	mu    sync.Mutex
	state AcceptState

	accepted atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64

	workers sync.WaitGroup
	started atomic.Bool
	stopped chan struct{}
}

// New returns a server for listener. The server owns the listener from now
// on and closes it on every exit path of Serve.
func New(listener Listener, cfg Config) *Server {
	ipcCfg := ipc.ServerConfig{}
	if cfg.IPC != nil {
		ipcCfg = *cfg.IPC
	}
	if ipcCfg.HandshakeTimeout <= 0 {
		ipcCfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	cfg.IPC = &ipcCfg
	if cfg.Sink == nil {
		cfg.Sink = SinkFunc(func(Delivery) {})
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = 0
	}
	return &Server{
		cfg:      cfg,
		listener: listener,
		registry: NewRegistry(cfg.Capacity),
		log:      logger.OrDiscard(cfg.Logger),
		state:    Listening,
		stopped:  make(chan struct{}),
	}
}

// Registry exposes the shared admission state, e.g. to wire external
// shutdown triggers to RequestShutdown.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) State() AcceptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(state AcceptState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.Debug("accept loop", "state", state)
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Admitted: s.admitted.Load(),
		Rejected: s.rejected.Load(),
		Active:   s.registry.Active(),
	}
}

// Serve runs the acceptance loop until shutdown is requested (through ctx,
// Shutdown or the Registry) or the listener fails. It returns ErrServerClosed
// after shutdown; any other error is an accept failure, fatal to the server.
// Serve does not wait for workers, Shutdown does.
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("chat: Serve called twice")
	}
	defer close(s.stopped)
	defer s.listener.Close()

	stopCtx := context.AfterFunc(ctx, s.registry.RequestShutdown)
	defer stopCtx()

	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		select {
		case <-s.registry.Done():
			// unblocks Accept
			s.listener.Close()
		case <-loopDone:
		}
	}()

	s.log.Info("server initialized", "capacity", s.registry.Capacity())

	for {
		s.setState(Listening)
		raw, err := s.listener.Accept()
		if err != nil {
			if s.registry.IsShuttingDown() {
				break
			}
			s.setState(Stopped)
			s.log.Error("accept failed", "err", err)
			return fmt.Errorf("accept: %w", err)
		}
		s.accepted.Add(1)

		s.setState(Admitting)
		if s.registry.IsShuttingDown() {
			raw.Close()
			break
		}
		if s.registry.TryAdmit() {
			s.admitted.Add(1)
			s.spawn(raw)
		} else {
			s.setState(Rejecting)
			s.rejected.Add(1)
			s.log.Warn("capacity exceeded, connection closed", "capacity", s.registry.Capacity())
			raw.Close()
		}

		if s.registry.IsShuttingDown() {
			break
		}
	}

	s.setState(Draining)
	s.log.Info("shutdown requested, no longer accepting", "active", s.registry.Active())
	s.setState(Stopped)
	return ErrServerClosed
}

func (s *Server) spawn(raw net.Conn) {
	w := newWorker(s, raw)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		w.run()
	}()
}

// Shutdown requests shutdown, then waits until the acceptance loop has
// stopped and every worker has exited, or ctx is done. Workers blocked in a
// read are interrupted once ShutdownGrace has passed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.RequestShutdown()

	// no worker can be spawned once the loop has stopped
	if s.started.Load() {
		select {
		case <-s.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	finished := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the acceptance loop has stopped and every worker has
// exited. Before Serve has been called it returns at once.
func (s *Server) Wait() {
	if s.started.Load() {
		<-s.stopped
	}
	s.workers.Wait()
}
