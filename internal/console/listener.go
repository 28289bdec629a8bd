package console

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DialFunc opens a fresh console connection.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Serve accepts local clients (typically a VNC viewer) on ln and bridges
// each one to a fresh console connection. Clients are served one at a time.
// Serve returns when ctx is cancelled or ln fails.
func Serve(ctx context.Context, ln net.Listener, dial DialFunc, log zerolog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.Info().Str("client", client.RemoteAddr().String()).Msg("console client connected")

		if err := serveOne(ctx, client, dial); err != nil {
			log.Warn().Err(err).Msg("console session ended with error")
		} else {
			log.Info().Msg("console session closed")
		}
	}
}

func serveOne(ctx context.Context, client net.Conn, dial DialFunc) error {
	defer client.Close()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing the client unblocks the local reader once the remote side ends.
	go func() {
		<-sessCtx.Done()
		_ = client.Close()
	}()
	return Bridge(sessCtx, conn, client, 0)
}
