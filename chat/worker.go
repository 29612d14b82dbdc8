package chat

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"

	ipc "github.com/jc-lab/psk-local-chat-go"
)

// readOutcome classifies what a single read produced.
type readOutcome int

const (
	readData readOutcome = iota
	readEOF
	readTransient
	readFatal
)

func (o readOutcome) String() string {
	switch o {
	case readData:
		return "data"
	case readEOF:
		return "eof"
	case readTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// classifyRead maps a read error onto Eof, Transient or Fatal. Only a timeout
// that hit before any byte of a frame arrived is transient; the stream is
// still aligned on a frame boundary then.
func classifyRead(err error) readOutcome {
	if err == nil {
		return readData
	}
	if errors.Is(err, io.EOF) {
		return readEOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && !errors.Is(err, ipc.ErrTruncatedFrame) {
		return readTransient
	}
	return readFatal
}

// worker owns one admitted connection from hand-off to close.
type worker struct {
	srv   *Server
	raw   net.Conn
	id    string
	log   *slog.Logger
	state WorkerState

	received int64
	messages int
}

func newWorker(srv *Server, raw net.Conn) *worker {
	id := uuid.New().String()
	return &worker{
		srv:   srv,
		raw:   raw,
		id:    id,
		log:   srv.log.With("conn", id),
		state: Handshaking,
	}
}

func (w *worker) setState(state WorkerState) {
	w.state = state
	w.log.Debug("worker", "state", state)
}

func (w *worker) run() {
	registry := w.srv.registry
	w.log.Info("connection admitted", "stats", w.srv.Stats())

	// armed before the handshake so a silent peer cannot hold up shutdown
	stopInterrupt := w.interruptAfterGrace(w.raw)
	defer stopInterrupt()

	conn, err := ipc.ServerHandshake(w.raw, w.srv.cfg.IPC)
	if err != nil {
		if registry.IsShuttingDown() {
			w.log.Debug("handshake interrupted by shutdown", "err", err)
			w.setState(ShuttingDown)
		} else {
			w.log.Warn("handshake failed", "err", err)
			registry.Release()
		}
		w.setState(Closed)
		return
	}

	w.setState(Reading)
	for w.state == Reading {
		if registry.IsShuttingDown() {
			// the slot is not released on this path
			w.setState(ShuttingDown)
			break
		}

		if w.srv.cfg.PollInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(w.srv.cfg.PollInterval))
		}
		msg, err := conn.Read()

		switch outcome := classifyRead(err); outcome {
		case readData:
			w.received += int64(len(msg.Data))
			w.messages++
			if msg.MsgType == ipc.MsgTypeText {
				w.srv.cfg.Sink.Deliver(Delivery{ConnID: w.id, Text: ipc.DecodeText(msg.Data), At: time.Now()})
			}
		case readEOF:
			w.setState(Disconnected)
			registry.Release()
		case readTransient:
			// no data, poll again
		case readFatal:
			if registry.IsShuttingDown() {
				w.setState(ShuttingDown)
				break
			}
			w.log.Error("read failed", "err", err)
			w.setState(Failed)
			registry.Release()
		}
	}

	reason := w.state
	conn.Close()
	w.setState(Closed)
	w.log.Info("connection closed",
		"reason", reason,
		"messages", w.messages,
		"received", sizestr.ToString(w.received),
		"stats", w.srv.Stats())
}

// interruptAfterGrace closes conn once shutdown has been requested and the
// grace period has passed, so a handshake or read blocked on an idle peer
// returns.
func (w *worker) interruptAfterGrace(conn io.Closer) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-w.srv.registry.Done():
		case <-done:
			return
		}
		timer := time.NewTimer(w.srv.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.log.Debug("shutdown grace elapsed, interrupting read")
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
