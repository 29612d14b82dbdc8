//go:build windows
// +build windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
)

func buildPipePath(prefix string, name string) string {
	base := prefix
	if base == "" {
		base = `\\.\pipe\`
	} else if !strings.HasSuffix(base, `\`) {
		base += `\`
	}
	return base + name
}

// Server function
// Create the named pipe and start listening for clients to connect.
// A pipe owned by a live server makes ListenPipe fail with access denied.
func (e *Endpoint) createListenSocket(config *ServerConfig) (net.Listener, error) {
	pipeConfig := &winio.PipeConfig{}

	if config.SecurityDescriptor != "" {
		pipeConfig.SecurityDescriptor = config.SecurityDescriptor
	}

	listen, err := winio.ListenPipe(e.path, pipeConfig)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrEndpointInUse, err)
		}
		return nil, fmt.Errorf("listen on %q: %w", e.path, err)
	}

	return listen, nil
}

// named pipes vanish with their last handle
func (e *Endpoint) release() error {
	return nil
}

// WatchRemoval - named pipes cannot be removed from outside; blocks until ctx is done.
func (e *Endpoint) WatchRemoval(ctx context.Context, onRemoved func()) error {
	<-ctx.Done()
	return nil
}

// Client function
// dial - attempts to connect to a named pipe created by the server
func dial(pipePath string) (net.Conn, error) {
	timeout := 5 * time.Second
	return winio.DialPipe(pipePath, &timeout)
}

func isEndpointMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "The system cannot find the file specified.")
}
