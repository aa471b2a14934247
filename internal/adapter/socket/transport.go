package socket

import (
	"net"
	"net/http"
	"time"
)

// Default handshake timeouts.
const (
	DefaultDialTimeout         = 15 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// NewHTTPClient builds the client used for the websocket upgrade request.
// The client carries no overall Timeout because the upgraded connection is
// long-lived; only the dial and TLS phases are bounded.
func NewHTTPClient(dialTimeout, tlsTimeout time.Duration) *http.Client {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if tlsTimeout <= 0 {
		tlsTimeout = DefaultTLSHandshakeTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: tlsTimeout,
			// Upgrades need HTTP/1.1.
			ForceAttemptHTTP2: false,
		},
	}
}
