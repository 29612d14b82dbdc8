package ipc

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jc-lab/go-tls-psk"
)

var (
	// ErrAlreadyExistsUnexpected - a stale endpoint exists and could not be removed.
	ErrAlreadyExistsUnexpected = errors.New("endpoint already exists and could not be removed")
	// ErrEndpointInUse - another live server holds the endpoint lock.
	ErrEndpointInUse = errors.New("endpoint is in use by another server")
	// ErrAuthentication - the pre-shared key did not match.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRejected - the server closed the connection before the handshake completed.
	ErrRejected = errors.New("connection closed by server")
	// ErrTimeout - the client gave up waiting for the endpoint.
	ErrTimeout = errors.New("timed out trying to connect")
	// ErrMessageTooLarge - the payload exceeds the negotiated maximum message size.
	ErrMessageTooLarge = errors.New("message exceeds maximum message length")
	// ErrReservedType - message type 0 is reserved for control messages.
	ErrReservedType = errors.New("message type 0 is reserved")
	// ErrTruncatedFrame - the stream ended or failed in the middle of a frame.
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrVersionMismatch - client and server speak different protocol versions.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

const (
	// MsgTypeControl is reserved for internal messages.
	MsgTypeControl = 0
	// MsgTypeText carries a NUL-terminated chat line.
	MsgTypeText = 1
)

// Endpoint - the named, filesystem-visible channel the server accepts connections on.
type Endpoint struct {
	name   string
	path   string
	listen net.Listener
	lock   *os.File // unix only: flock'ed "<path>.lock"

	closeOnce sync.Once
	closeErr  error
}

// Conn - one authenticated, bidirectional connection.
type Conn struct {
	conn       net.Conn
	maxMsgSize int
	status     Status
	mutex      sync.Mutex // guards status
	writeMu    sync.Mutex
}

// Message - one frame received from a Conn.
type Message struct {
	MsgType int    // type of message sent - 0 is reserved
	Data    []byte // message data recieved
}

// Status - Status of the Connection
type Status int

const (

	// NotConnected - 0
	NotConnected Status = iota
	// Listening - 1
	Listening
	// Connecting - 2
	Connecting
	// Connected - 3
	Connected
	// ReConnecting - 4
	ReConnecting
	// Closed - 5
	Closed
	// Closing - 6
	Closing
	// Error - 7
	Error
	// Timeout - 8
	Timeout
)

// ServerConfig - used to pass configuation overrides to Listen() and ServerHandshake()
type ServerConfig struct {
	SocketDirectory    string
	MaxMsgSize         int
	Permissions        os.FileMode // unix socket mode, 0 means 0666
	SecurityDescriptor string      // windows only
	HandshakeTimeout   time.Duration
	PskConfig          tls.PSKConfig
}

// ClientConfig - used to pass configuation overrides to Dial()
type ClientConfig struct {
	SocketDirectory  string
	Timeout          time.Duration // 0 never times out
	RetryTimer       time.Duration // maximum interval between attempts
	HandshakeTimeout time.Duration
	PskConfig        tls.PSKConfig

	// OnStatus, if set, is called on every status change while dialing.
	OnStatus func(status Status, err error)
}
