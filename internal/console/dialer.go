// Package console connects to a VM's console WebSocket through the backend
// and relays its byte stream to a local reader/writer pair.
package console

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// URLSource builds the console WebSocket URL of a VM. backend.HTTPClient
// satisfies it.
type URLSource interface {
	ConsoleURL(node string, vmid int) (string, error)
}

// Dialer opens console connections.
type Dialer struct {
	urls URLSource
	ws   *websocket.Dialer
	log  zerolog.Logger
}

// NewDialer returns a Dialer. insecure disables TLS verification for wss
// backends with self-signed certificates.
func NewDialer(urls URLSource, insecure bool, log zerolog.Logger) *Dialer {
	ws := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if insecure {
		ws.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Dialer{urls: urls, ws: ws, log: log}
}

// Dial opens the console of vmid on node.
func (d *Dialer) Dial(ctx context.Context, node string, vmid int) (*websocket.Conn, error) {
	u, err := d.urls.ConsoleURL(node, vmid)
	if err != nil {
		return nil, fmt.Errorf("console url: %w", err)
	}
	conn, resp, err := d.ws.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("dial console for VM %d: %w", vmid, ErrUnauthorized)
			}
			return nil, fmt.Errorf("dial console for VM %d: %s: %w", vmid, resp.Status, err)
		}
		return nil, fmt.Errorf("dial console for VM %d: %w", vmid, err)
	}
	d.log.Info().Str("node", node).Int("vmid", vmid).Msg("console connected")
	return conn, nil
}

// ErrUnauthorized is returned when the backend rejects the session.
var ErrUnauthorized = errors.New("console: unauthorized")
