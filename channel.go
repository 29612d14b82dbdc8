package ipc

import (
	"errors"
	"net"
)

// Listen - creates the server endpoint and starts listening for connections.
//
// ipcName = is the name of the unix socket or named pipe that will be created.
// A stale endpoint left behind by a dead server is removed first; an endpoint
// held by a live server fails with ErrEndpointInUse.
func Listen(ipcName string, config *ServerConfig) (*Endpoint, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	err := checkIpcName(ipcName)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		name: ipcName,
		path: buildPipePath(config.SocketDirectory, ipcName),
	}

	listen, err := e.createListenSocket(config)
	if err != nil {
		return nil, err
	}
	e.listen = listen

	return e, nil
}

// Accept - blocks until a peer opens the endpoint. The returned connection is
// not yet authenticated, see ServerHandshake.
func (e *Endpoint) Accept() (net.Conn, error) {
	return e.listen.Accept()
}

// Addr - the listener address.
func (e *Endpoint) Addr() net.Addr {
	return e.listen.Addr()
}

// Path - the filesystem (or pipe namespace) path of the endpoint.
func (e *Endpoint) Path() string {
	return e.path
}

// Name - the ipc name the endpoint was created with.
func (e *Endpoint) Name() string {
	return e.name
}

// Close - stops listening and removes the endpoint artifact. Blocked Accept
// calls return net.ErrClosed. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		err := e.listen.Close()
		if releaseErr := e.release(); err == nil {
			err = releaseErr
		}
		e.closeErr = err
	})
	return e.closeErr
}
