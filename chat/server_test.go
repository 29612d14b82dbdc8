//go:build !windows
// +build !windows

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ipc "github.com/jc-lab/psk-local-chat-go"
)

const testPassword = "password"

type collectSink struct {
	mu  sync.Mutex
	got []Delivery
}

func (c *collectSink) Deliver(d Delivery) {
	c.mu.Lock()
	c.got = append(c.got, d)
	c.mu.Unlock()
}

func (c *collectSink) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, d := range c.got {
		out = append(out, d.Text)
	}
	return out
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type testServer struct {
	*Server
	name     string
	dir      string
	endpoint *ipc.Endpoint
	sink     *collectSink
	serveErr chan error
}

func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	dir := t.TempDir()
	ipcCfg := &ipc.ServerConfig{
		SocketDirectory:  dir,
		HandshakeTimeout: 5 * time.Second,
		PskConfig:        ipc.NewPSKConfig("", testPassword),
	}
	endpoint, err := ipc.Listen("chat", ipcCfg)
	require.NoError(t, err)

	sink := &collectSink{}
	serial := NewSerialSink(sink, 64)

	if cfg.Capacity == 0 {
		cfg.Capacity = 10
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 100 * time.Millisecond
	}
	cfg.IPC = ipcCfg
	cfg.Sink = serial

	ts := &testServer{
		Server:   New(endpoint, cfg),
		name:     "chat",
		dir:      dir,
		endpoint: endpoint,
		sink:     sink,
		serveErr: make(chan error, 1),
	}
	go func() {
		ts.serveErr <- ts.Serve(context.Background())
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		ts.Shutdown(ctx)
		serial.Close()
	})
	return ts
}

func (ts *testServer) clientConfig(password string) *ipc.ClientConfig {
	return &ipc.ClientConfig{
		SocketDirectory:  ts.dir,
		Timeout:          5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		PskConfig:        ipc.NewPSKConfig("", password),
	}
}

func (ts *testServer) join(t *testing.T, user string) *Client {
	t.Helper()
	c, err := Join(context.Background(), ts.name, user, ts.clientConfig(testPassword))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) waitServe(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ts.serveErr:
		return err
	case <-time.After(testWait):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServer_EndToEnd(t *testing.T) {
	ts := startServer(t, Config{})

	c := ts.join(t, "alice")
	require.NoError(t, c.Say("hello\n"))
	require.NoError(t, c.Exit())

	require.Eventually(t, func() bool { return ts.sink.len() == 3 }, testWait, testTick)
	assert.Equal(t, []string{"alice joined", "alice: hello", "alice exited"}, ts.sink.texts())

	// the EOF after exit releases the slot
	assert.Eventually(t, func() bool { return ts.Registry().Active() == 0 }, testWait, testTick)
}

func TestServer_CapacityRejectsExcess(t *testing.T) {
	ts := startServer(t, Config{Capacity: 10})

	var (
		wg       sync.WaitGroup
		ok       atomic.Int64
		rejected atomic.Int64
		other    = make(chan error, 15)
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := Join(context.Background(), ts.name, fmt.Sprintf("user%d", i), ts.clientConfig(testPassword))
			switch {
			case err == nil:
				ok.Add(1)
				t.Cleanup(func() { c.Close() })
			case errors.Is(err, ipc.ErrRejected):
				rejected.Add(1)
			default:
				other <- err
			}
		}(i)
	}
	wg.Wait()
	close(other)

	for err := range other {
		t.Errorf("unexpected join error: %v", err)
	}
	assert.Equal(t, int64(10), ok.Load())
	assert.Equal(t, int64(5), rejected.Load())

	stats := ts.Stats()
	assert.Equal(t, int64(15), stats.Accepted)
	assert.Equal(t, int64(10), stats.Admitted)
	assert.Equal(t, int64(5), stats.Rejected)
	assert.Equal(t, 10, stats.Active)
}

func TestServer_SlotReusedAfterDisconnect(t *testing.T) {
	ts := startServer(t, Config{Capacity: 1})

	first := ts.join(t, "alice")
	require.NoError(t, first.Exit())
	require.Eventually(t, func() bool { return ts.Registry().Active() == 0 }, testWait, testTick)

	second := ts.join(t, "bob")
	require.NoError(t, second.Say("hi"))
	require.Eventually(t, func() bool { return ts.sink.len() == 4 }, testWait, testTick)
	assert.Equal(t, 1, ts.Registry().Active())
}

func TestServer_DisconnectReleasesExactlyOnce(t *testing.T) {
	ts := startServer(t, Config{Capacity: 3})

	a := ts.join(t, "alice")
	ts.join(t, "bob")
	require.Eventually(t, func() bool { return ts.Registry().Active() == 2 }, testWait, testTick)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return ts.Registry().Active() == 1 }, testWait, testTick)
	assert.Never(t, func() bool { return ts.Registry().Active() != 1 }, 200*time.Millisecond, testTick)
}

func TestServer_WrongPasswordReleasesSlot(t *testing.T) {
	ts := startServer(t, Config{Capacity: 1})

	_, err := Join(context.Background(), ts.name, "mallory", ts.clientConfig("wrong"))
	require.ErrorIs(t, err, ipc.ErrAuthentication)

	assert.Eventually(t, func() bool { return ts.Registry().Active() == 0 }, testWait, testTick)
	assert.Equal(t, 0, ts.sink.len())

	// the slot is usable again
	ts.join(t, "alice")
}

func TestServer_ShutdownStopsAdmission(t *testing.T) {
	ts := startServer(t, Config{})

	ts.Registry().RequestShutdown()
	assert.ErrorIs(t, ts.waitServe(t), ErrServerClosed)
	assert.Equal(t, Stopped, ts.State())

	_, err := os.Stat(ts.endpoint.Path())
	assert.True(t, os.IsNotExist(err), "endpoint must be unlinked after shutdown")

	cfg := ts.clientConfig(testPassword)
	cfg.Timeout = 300 * time.Millisecond
	_, err = Join(context.Background(), ts.name, "late", cfg)
	assert.ErrorIs(t, err, ipc.ErrTimeout)
	assert.Equal(t, int64(0), ts.Stats().Accepted)
}

func TestServer_ContextCancelStopsServe(t *testing.T) {
	dir := t.TempDir()
	ipcCfg := &ipc.ServerConfig{SocketDirectory: dir, PskConfig: ipc.NewPSKConfig("", testPassword)}
	endpoint, err := ipc.Listen("chat", ipcCfg)
	require.NoError(t, err)

	srv := New(endpoint, Config{Capacity: 1, IPC: ipcCfg})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(testWait):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, srv.Registry().IsShuttingDown())
	assert.Error(t, srv.Serve(context.Background()), "second Serve must fail")
}

func TestServer_ShutdownInterruptsIdleWorkerAfterGrace(t *testing.T) {
	grace := 300 * time.Millisecond
	ts := startServer(t, Config{ShutdownGrace: grace})

	ts.join(t, "alice")
	require.Eventually(t, func() bool { return ts.sink.len() == 1 }, testWait, testTick)

	start := time.Now()
	ts.Registry().RequestShutdown()
	require.ErrorIs(t, ts.waitServe(t), ErrServerClosed)

	workersDone := make(chan struct{})
	go func() {
		ts.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		t.Fatal("worker must keep its connection until the grace period passes")
	case <-time.After(grace / 2):
	}

	select {
	case <-workersDone:
		assert.GreaterOrEqual(t, time.Since(start), grace)
	case <-time.After(grace + testWait):
		t.Fatal("worker was not interrupted after the grace period")
	}

	// workers leaving on the shutdown path keep their slot
	assert.Equal(t, 1, ts.Registry().Active())
}

func TestServer_ShutdownWaitsForWorkers(t *testing.T) {
	ts := startServer(t, Config{ShutdownGrace: 50 * time.Millisecond})
	ts.join(t, "alice")
	ts.join(t, "bob")
	require.Eventually(t, func() bool { return ts.sink.len() == 2 }, testWait, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))
	assert.ErrorIs(t, ts.waitServe(t), ErrServerClosed)
	assert.Equal(t, 2, ts.Registry().Active())
}

func TestServer_ShutdownTimesOut(t *testing.T) {
	ts := startServer(t, Config{ShutdownGrace: time.Hour})
	ts.join(t, "alice")
	require.Eventually(t, func() bool { return ts.sink.len() == 1 }, testWait, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.Shutdown(ctx), context.DeadlineExceeded)
}

func TestServer_PollIntervalKeepsIdleWorker(t *testing.T) {
	ts := startServer(t, Config{PollInterval: 20 * time.Millisecond})

	c := ts.join(t, "alice")
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, c.Say("still here"))

	require.Eventually(t, func() bool { return ts.sink.len() == 2 }, testWait, testTick)
	assert.Equal(t, []string{"alice joined", "alice: still here"}, ts.sink.texts())
	assert.Equal(t, 1, ts.Registry().Active())
}

func TestServer_PollIntervalNoticesShutdown(t *testing.T) {
	ts := startServer(t, Config{PollInterval: 20 * time.Millisecond, ShutdownGrace: time.Hour})
	ts.join(t, "alice")
	require.Eventually(t, func() bool { return ts.sink.len() == 1 }, testWait, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))
	assert.Equal(t, 1, ts.Registry().Active())
}

func TestServer_ConcurrentClientsKeepOrder(t *testing.T) {
	ts := startServer(t, Config{})

	const perClient = 100
	users := []string{"bob", "carol"}

	var wg sync.WaitGroup
	for _, user := range users {
		c := ts.join(t, user)
		wg.Add(1)
		go func(user string, c *Client) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				if err := c.Say(fmt.Sprintf("%d", i)); err != nil {
					t.Errorf("%s: %v", user, err)
					return
				}
			}
		}(user, c)
	}
	wg.Wait()

	want := len(users) * (perClient + 1)
	require.Eventually(t, func() bool { return ts.sink.len() == want }, testWait, testTick)

	for _, user := range users {
		var seq []string
		for _, text := range ts.sink.texts() {
			if strings.HasPrefix(text, user+": ") {
				seq = append(seq, strings.TrimPrefix(text, user+": "))
			}
		}
		require.Len(t, seq, perClient, user)
		for i, got := range seq {
			assert.Equal(t, fmt.Sprintf("%d", i), got, user)
		}
	}
}

type failingListener struct {
	closed atomic.Bool
}

func (l *failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("listener broken")
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func TestServer_AcceptFailureIsFatal(t *testing.T) {
	l := &failingListener{}
	srv := New(l, Config{Capacity: 1})

	err := srv.Serve(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrServerClosed)
	assert.Contains(t, err.Error(), "listener broken")
	assert.True(t, l.closed.Load())
	assert.Equal(t, Stopped, srv.State())
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyRead(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want readOutcome
	}{
		{"nil", nil, readData},
		{"eof", io.EOF, readEOF},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), readEOF},
		{"timeout", &net.OpError{Op: "read", Err: timeoutError{}}, readTransient},
		{"deadline", os.ErrDeadlineExceeded, readTransient},
		{"timeout mid frame", fmt.Errorf("%w: %w", ipc.ErrTruncatedFrame, timeoutError{}), readFatal},
		{"truncated", fmt.Errorf("%w: unexpected EOF", ipc.ErrTruncatedFrame), readFatal},
		{"closed", net.ErrClosed, readFatal},
		{"other", errors.New("boom"), readFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRead(tt.err))
		})
	}
}

func TestClient_LongLineIsTruncated(t *testing.T) {
	ts := startServer(t, Config{})

	c := ts.join(t, "alice")
	require.NoError(t, c.Say(strings.Repeat("x", 1000)))

	require.Eventually(t, func() bool { return ts.sink.len() == 2 }, testWait, testTick)
	got := ts.sink.texts()[1]
	assert.Len(t, got, 255)
	assert.True(t, strings.HasPrefix(got, "alice: xxx"))
}

func TestJoin_EmptyUser(t *testing.T) {
	_, err := Join(context.Background(), "chat", "  ", &ipc.ClientConfig{})
	assert.Error(t, err)
}

func TestServer_ShutdownInterruptsSilentHandshake(t *testing.T) {
	grace := 50 * time.Millisecond
	ts := startServer(t, Config{ShutdownGrace: grace})

	// connects but never starts the TLS handshake
	raw, err := net.Dial("unix", ts.endpoint.Path())
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	require.Eventually(t, func() bool { return ts.Registry().Active() == 1 }, testWait, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, ts.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)

	// leaving on the shutdown path keeps the slot
	assert.Equal(t, 1, ts.Registry().Active())
}

func TestNew_DefaultsHandshakeTimeout(t *testing.T) {
	srv := New(&failingListener{}, Config{})
	assert.Equal(t, DefaultHandshakeTimeout, srv.cfg.IPC.HandshakeTimeout)

	ipcCfg := &ipc.ServerConfig{MaxMsgSize: 64}
	srv = New(&failingListener{}, Config{IPC: ipcCfg})
	assert.Equal(t, DefaultHandshakeTimeout, srv.cfg.IPC.HandshakeTimeout)
	assert.Equal(t, 64, srv.cfg.IPC.MaxMsgSize)
	assert.Zero(t, ipcCfg.HandshakeTimeout, "caller's config must not be modified")

	ipcCfg.HandshakeTimeout = time.Second
	srv = New(&failingListener{}, Config{IPC: ipcCfg})
	assert.Equal(t, time.Second, srv.cfg.IPC.HandshakeTimeout)
}

func TestServer_WaitBlocksUntilServeStops(t *testing.T) {
	ts := startServer(t, Config{})
	ts.join(t, "alice")
	require.Eventually(t, func() bool { return ts.sink.len() == 1 }, testWait, testTick)

	waited := make(chan struct{})
	go func() {
		ts.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while the server was still serving")
	case <-time.After(100 * time.Millisecond):
	}

	ts.Registry().RequestShutdown()
	select {
	case <-waited:
		assert.Equal(t, Stopped, ts.State())
	case <-time.After(testWait):
		t.Fatal("Wait did not return after shutdown")
	}
}

func TestServer_WaitBeforeServe(t *testing.T) {
	srv := New(&failingListener{}, Config{})
	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("Wait blocked on a server that never served")
	}
}
