package ipc

import (
	"github.com/jc-lab/go-tls-psk"
)

var pskCipherSuites = []uint16{
	tls.TLS_ECDHE_PSK_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_PSK_WITH_AES_256_CBC_SHA384,
	tls.TLS_ECDHE_PSK_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA,
}

// NewPSKConfig - builds a PSK config where every identity shares one password.
//
// identity = what the client announces (the chat username); the server side ignores it.
func NewPSKConfig(identity string, password string) tls.PSKConfig {
	key := []byte(password)
	return tls.PSKConfig{
		GetIdentity: func() string {
			return identity
		},
		GetKey: func(string) ([]byte, error) {
			return key, nil
		},
	}
}

func serverTLSConfig(psk tls.PSKConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS12,
		CipherSuites:       pskCipherSuites,
		InsecureSkipVerify: true,
		Extra:              psk,
		Certificates:       []tls.Certificate{tls.Certificate{}},
	}
}

func clientTLSConfig(psk tls.PSKConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS12,
		CipherSuites:       pskCipherSuites,
		InsecureSkipVerify: true,
		Extra:              psk,
	}
}
