package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jc-lab/go-tls-psk"
)

// 1st message sent from the server, right after the TLS handshake
// byte 0 = protocal version no.
// bytes 4-7 = maximum message size, big endian
func (c *Conn) serverHandshake() error {
	buff := make([]byte, 8)

	buff[0] = byte(version)
	binary.BigEndian.PutUint32(buff[4:], uint32(c.maxMsgSize))

	_, err := c.conn.Write(buff)
	if err != nil {
		return fmt.Errorf("unable to send handshake: %w", err)
	}

	recv := make([]byte, 1)
	_, err = io.ReadFull(c.conn, recv)
	if err != nil {
		return fmt.Errorf("failed to recieve handshake reply: %w", err)
	}

	switch result := recv[0]; result {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%w: client has a different version number", ErrVersionMismatch)
	}

	return errors.New("other error - handshake failed")
}

// 1st message recieved by the client
func (c *Conn) clientHandshake() error {
	recv := make([]byte, 8)
	_, err := io.ReadFull(c.conn, recv)
	if err != nil {
		return fmt.Errorf("failed to recieve handshake message: %w", err)
	}

	if recv[0] != version {
		c.handshakeSendReply(1)
		return fmt.Errorf("%w: server has sent a different version number: %d", ErrVersionMismatch, int(recv[0]&0xff))
	}

	c.maxMsgSize = int(binary.BigEndian.Uint32(recv[4:]))

	return c.handshakeSendReply(0) // 0 is ok
}

func (c *Conn) handshakeSendReply(result byte) error {
	buff := make([]byte, 1)
	buff[0] = result

	_, err := c.conn.Write(buff)
	return err
}

// tlsHandshake runs the PSK handshake with an optional deadline and maps
// failures onto the package's error taxonomy.
func tlsHandshake(conn *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	err := conn.Handshake()
	if err == nil {
		return nil
	}
	return classifyHandshakeError(err)
}

func classifyHandshakeError(err error) error {
	var netErr net.Error
	switch {
	case isPeerClosed(err):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("handshake: %w", err)
	default:
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
}

func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed)
}
