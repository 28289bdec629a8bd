package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// ErrDetached is returned by Bridge when the local side typed the escape
// sequence.
var ErrDetached = errors.New("console: detached")

// DefaultEscape is Ctrl-].
const DefaultEscape byte = 0x1d

const (
	writeWait = 10 * time.Second
	chunkSize = 4096
)

// Bridge relays frames between conn and rw until either side closes or ctx
// is cancelled. Remote frames (binary or text) are written to rw; bytes read
// from rw are sent as binary frames. When escape is non-zero, the escape byte
// followed by '.' ends the session with ErrDetached. A clean remote close
// returns nil.
//
// Reads from rw cannot be interrupted, so the local reader may outlive
// Bridge until its next Read returns.
func Bridge(ctx context.Context, conn *websocket.Conn, rw io.ReadWriter, escape byte) error {
	g, gctx := errgroup.WithContext(ctx)

	input := make(chan []byte)
	inputErr := make(chan error, 1)
	go readLocal(gctx, rw, input, inputErr)

	// remote -> local
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return io.EOF
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("read console: %w", err)
			}
			if _, err := rw.Write(data); err != nil {
				return fmt.Errorf("write local: %w", err)
			}
		}
	})

	// local -> remote
	g.Go(func() error {
		var sawEscape bool
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case err := <-inputErr:
				if errors.Is(err, io.EOF) {
					return io.EOF
				}
				return fmt.Errorf("read local: %w", err)
			case data := <-input:
				var detach bool
				data, sawEscape, detach = scanEscape(data, escape, sawEscape)
				if len(data) > 0 {
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
						return fmt.Errorf("write console: %w", err)
					}
				}
				if detach {
					return ErrDetached
				}
			}
		}
	})

	// Closing the connection unblocks ReadMessage once either pump ends.
	g.Go(func() error {
		<-gctx.Done()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return conn.Close()
	})

	err := g.Wait()
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		return nil
	}
	return err
}

func readLocal(ctx context.Context, r io.Reader, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// scanEscape strips the escape sequence from data. pending reports that the
// previous chunk ended with the escape byte. An escape byte followed by
// anything other than '.' is forwarded unchanged, and a doubled escape
// byte sends one literal escape.
func scanEscape(data []byte, escape byte, pending bool) (out []byte, stillPending, detach bool) {
	if escape == 0 {
		return data, false, false
	}
	out = make([]byte, 0, len(data)+1)
	for _, b := range data {
		if pending {
			pending = false
			if b == '.' {
				return out, false, true
			}
			out = append(out, escape)
			if b != escape {
				out = append(out, b)
			}
			continue
		}
		if b == escape {
			pending = true
			continue
		}
		out = append(out, b)
	}
	return out, pending, false
}

// ParseEscapeChar parses "^]" style caret notation or a single character.
// "none" or "" disables the escape sequence.
func ParseEscapeChar(s string) (byte, error) {
	switch {
	case s == "" || strings.EqualFold(s, "none"):
		return 0, nil
	case len(s) == 1:
		return s[0], nil
	case len(s) == 2 && s[0] == '^':
		c := s[1]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c < '@' || c > '_' {
			return 0, fmt.Errorf("invalid escape character %q", s)
		}
		return c - '@', nil
	}
	return 0, fmt.Errorf("invalid escape character %q", s)
}

// FormatEscapeChar renders b in caret notation when it is a control byte.
func FormatEscapeChar(b byte) string {
	if b == 0 {
		return "none"
	}
	if b < 0x20 {
		return "^" + string(rune(b+'@'))
	}
	return string(rune(b))
}
