//go:build !windows
// +build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

func buildPipePath(prefix string, name string) string {
	base := prefix
	if base == "" {
		base = "/tmp/"
	} else if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + name + ".sock"
}

// Server create a unix socket and start listening connections - for unix and linux
//
// A "<path>.lock" file is flock'ed for the lifetime of the listener so that an
// orphaned socket can be told apart from one owned by a running server.
func (e *Endpoint) createListenSocket(config *ServerConfig) (net.Listener, error) {
	sockPath := e.path
	lockPath := sockPath + ".lock"

	lockFd, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open endpoint lockfile %q: %w", lockPath, err)
	}
	if err := unix.Flock(int(lockFd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFd.Close()
		return nil, fmt.Errorf("%w: lockfile %q is locked: %v", ErrEndpointInUse, lockPath, err)
	}
	e.lock = lockFd

	if err := os.Remove(sockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.release()
		return nil, fmt.Errorf("%w: %q: %v", ErrAlreadyExistsUnexpected, sockPath, err)
	}

	listen, err := net.Listen("unix", sockPath)
	if err != nil {
		e.release()
		return nil, fmt.Errorf("listen on %q: %w", sockPath, err)
	}

	perm := config.Permissions
	if perm == 0 {
		perm = 0666
	}
	if err := os.Chmod(sockPath, perm); err != nil {
		listen.Close()
		e.release()
		return nil, fmt.Errorf("chmod %q: %w", sockPath, err)
	}

	return listen, nil
}

// release removes the socket and the lockfile, then drops the lock.
func (e *Endpoint) release() error {
	var err error
	if rmErr := os.Remove(e.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = rmErr
	}
	if e.lock == nil {
		return err
	}
	// remove before unlocking; a new server may recreate and lock it right away
	os.Remove(e.lock.Name())
	if unlockErr := unix.Flock(int(e.lock.Fd()), unix.LOCK_UN); unlockErr != nil && err == nil {
		err = unlockErr
	}
	if closeErr := e.lock.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	e.lock = nil
	return err
}

// WatchRemoval - blocks until the endpoint path is removed or renamed by
// someone else, then calls onRemoved. Returns nil when ctx is done first.
func (e *Endpoint) WatchRemoval(ctx context.Context, onRemoved func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(e.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(e.path) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				onRemoved()
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// Client connect to the unix socket created by the server -  for unix and linux
func dial(pipePath string) (net.Conn, error) {
	return net.Dial("unix", pipePath)
}

func isEndpointMissing(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}
