package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

const version = 2 // protocol version

// maxMsgSize is the default maximum chat payload, one terminator included.
const maxMsgSize = 256

func (status Status) String() string {
	switch status {
	case NotConnected:
		return "Not Connected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Listening:
		return "Listening"
	case Closing:
		return "Closing"
	case ReConnecting:
		return "Re-connecting"
	case Timeout:
		return "Timeout"
	case Closed:
		return "Closed"
	case Error:
		return "Error"
	default:
		return "Status not found"
	}
}

// checkIpcName rejects names that cannot be turned into a single endpoint path.
func checkIpcName(ipcName string) error {
	if ipcName == "" {
		return errors.New("ipcName cannot be an empty string")
	}
	if strings.ContainsAny(ipcName, `/\`) {
		return errors.New("ipcName cannot contain a path separator")
	}
	return nil
}

func intToBytes(mLen int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(mLen))
	return b
}

func bytesToInt(b []byte) int {
	return int(binary.BigEndian.Uint32(b))
}

// EncodeText returns text as a NUL-terminated buffer.
func EncodeText(text string) []byte {
	b := make([]byte, 0, len(text)+1)
	b = append(b, text...)
	return append(b, 0)
}

// DecodeText reads a NUL-terminated buffer. Anything after the first
// terminator is dropped; a buffer without one is taken whole.
func DecodeText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
