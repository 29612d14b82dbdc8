package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jc-lab/go-tls-psk"
)

// ServerHandshake - authenticates an accepted endpoint connection and negotiates the protocol.
//
// raw = connection returned by Endpoint.Accept; it is closed if the handshake fails.
func ServerHandshake(raw net.Conn, config *ServerConfig) (*Conn, error) {
	if config == nil {
		raw.Close()
		return nil, errors.New("config is required")
	}

	connection := &Conn{
		maxMsgSize: effectiveMaxMsgSize(config.MaxMsgSize),
		status:     Connecting,
	}

	tlsConn := tls.Server(raw, serverTLSConfig(config.PskConfig))
	connection.conn = tlsConn

	if err := tlsHandshake(tlsConn, config.HandshakeTimeout); err != nil {
		raw.Close()
		return nil, err
	}

	if config.HandshakeTimeout > 0 {
		tlsConn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
	}
	if err := connection.serverHandshake(); err != nil {
		tlsConn.Close()
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})

	connection.status = Connected
	return connection, nil
}

func effectiveMaxMsgSize(n int) int {
	if n < 1 {
		return maxMsgSize
	}
	return n
}

// Read - blocking function that waits until a non control message is recieved.
//
// A failure before any byte of a frame arrived is returned unwrapped so callers can
// tell an idle timeout from a broken stream; a failure mid-frame wraps ErrTruncatedFrame.
func (c *Conn) Read() (*Message, error) {
	for {
		bLen := make([]byte, 4)
		n, err := io.ReadFull(c.conn, bLen)
		if err != nil {
			if n == 0 {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}

		mLen := bytesToInt(bLen)
		if mLen < 4 || mLen-4 > c.maxMsgSize {
			return nil, fmt.Errorf("%w: frame length %d", ErrTruncatedFrame, mLen)
		}

		msgRecvd := make([]byte, mLen)
		if _, err := io.ReadFull(c.conn, msgRecvd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}

		msgType := bytesToInt(msgRecvd[:4])
		if msgType == MsgTypeControl {
			//  type 0 = control message
			continue
		}
		return &Message{MsgType: msgType, Data: msgRecvd[4:]}, nil
	}
}

// Write - writes a message to the ipc Connection.
// msgType - denotes the type of data being sent. 0 is a reserved type for internal messages and errors.
func (c *Conn) Write(msgType int, message []byte) error {
	if msgType == MsgTypeControl {
		return ErrReservedType
	}

	if len(message) > c.maxMsgSize {
		return ErrMessageTooLarge
	}

	if status := c.Status(); status != Connected {
		return errors.New(status.String())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	toSend := intToBytes(msgType)
	toSend = append(toSend, message...)

	writer := bufio.NewWriter(c.conn)
	writer.Write(intToBytes(len(toSend)))
	writer.Write(toSend)

	return writer.Flush()
}

// WriteText - writes text as a NUL-terminated chat message.
func (c *Conn) WriteText(text string) error {
	return c.Write(MsgTypeText, EncodeText(text))
}

// SetReadDeadline - see net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// MaxMsgSize - the negotiated maximum payload.
func (c *Conn) MaxMsgSize() int {
	return c.maxMsgSize
}

// Status - returns the current Connection status
func (c *Conn) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.status
}

// Close - closes the Connection. Safe to call more than once and concurrently
// with a blocked Read, which then returns an error.
func (c *Conn) Close() error {
	c.mutex.Lock()
	if c.status == Closed {
		c.mutex.Unlock()
		return nil
	}
	c.status = Closed
	c.mutex.Unlock()

	return c.conn.Close()
}
