package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jc-lab/go-tls-psk"
	"github.com/jpillora/backoff"
)

// Dial - connects to the ipc server, authenticates and negotiates the protocol.
//
// ipcName = is the name of the unix socket or named pipe that the client will try and connect to.
// config.Timeout = how long to keep retrying while the endpoint is missing - 0 never times out.
// config.RetryTimer = upper bound of the backoff between attempts.
//
// Authentication and version failures are returned immediately, they are never retried.
func Dial(ctx context.Context, ipcName string, config *ClientConfig) (*Conn, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	err := checkIpcName(ipcName)
	if err != nil {
		return nil, err
	}

	raw, err := dialRetry(ctx, ipcName, config)
	if err != nil {
		return nil, err
	}

	cc := &Conn{status: Connecting}

	tlsConn := tls.Client(raw, clientTLSConfig(config.PskConfig))
	cc.conn = tlsConn

	if err := tlsHandshake(tlsConn, config.HandshakeTimeout); err != nil {
		raw.Close()
		config.notify(Error, err)
		return nil, err
	}

	if config.HandshakeTimeout > 0 {
		tlsConn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
	}
	if err := cc.clientHandshake(); err != nil {
		tlsConn.Close()
		if isPeerClosed(err) {
			err = fmt.Errorf("%w: %v", ErrRejected, err)
		}
		config.notify(Error, err)
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})

	cc.status = Connected
	config.notify(Connected, nil)

	return cc, nil
}

func dialRetry(ctx context.Context, ipcName string, config *ClientConfig) (net.Conn, error) {
	pipePath := buildPipePath(config.SocketDirectory, ipcName)

	maxRetry := config.RetryTimer
	if maxRetry < time.Second {
		maxRetry = time.Second
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: maxRetry}

	startTime := time.Now()
	status := Connecting
	config.notify(status, nil)

	for {
		conn, err := dial(pipePath)
		if err == nil {
			return conn, nil
		}
		if !isEndpointMissing(err) {
			config.notify(Error, err)
			return nil, fmt.Errorf("dial %s: %w", pipePath, err)
		}

		if config.Timeout > 0 && time.Since(startTime) > config.Timeout {
			config.notify(Timeout, ErrTimeout)
			return nil, ErrTimeout
		}

		if status != ReConnecting {
			status = ReConnecting
			config.notify(status, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (config *ClientConfig) notify(status Status, err error) {
	if config.OnStatus != nil {
		config.OnStatus(status, err)
	}
}
