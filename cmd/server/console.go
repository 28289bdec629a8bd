package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jamesprial/pve-mcp/internal/console"
	"github.com/jamesprial/pve-mcp/internal/logging"
	"github.com/jamesprial/pve-mcp/internal/safety"
)

func consoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console VMID",
		Short: "Attach the local terminal to a VM console, or expose it on a TCP port",
		Args:  cobra.ExactArgs(1),
		RunE:  runConsole,
	}
	cmd.Flags().String("escape-char", "^]", "escape character (single char or ^X caret notation, \"none\" to disable)")
	cmd.Flags().String("listen", "", "serve the console on this address (e.g. 127.0.0.1:5900) instead of the terminal")
	return cmd
}

type stdio struct {
	io.Reader
	io.Writer
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	vmid, err := strconv.Atoi(args[0])
	if err != nil || vmid <= 0 {
		return fmt.Errorf("invalid VMID %q", args[0])
	}

	log := logging.Component(logger, "console")
	client, err := connect(ctx, conf, logging.Component(logger, "session"))
	if err != nil {
		return err
	}
	mgr := newManager(client, conf, nil)
	defer mgr.Close()

	v, err := mgr.Lookup(ctx, vmid)
	if err != nil {
		return err
	}
	filter := safety.NewFilter(conf.Safety.VMs.Allowlist, conf.Safety.VMs.Denylist)
	if !filter.AllowsVM(v.VMID, v.Name) {
		return fmt.Errorf("access to VM %d (%s) is not allowed", v.VMID, v.Name)
	}
	controls, err := mgr.Controls(ctx, vmid)
	if err != nil {
		return err
	}
	if !controls.Console {
		return fmt.Errorf("console of VM %d is not available right now (status %s)", vmid, v.Status)
	}

	dialer := console.NewDialer(client, conf.Backend.InsecureSkipVerify, log)
	dial := func(ctx context.Context) (*websocket.Conn, error) {
		return dialer.Dial(ctx, conf.Backend.Node, vmid)
	}

	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		fmt.Fprintf(os.Stderr, "Console of VM %d available on %s. Press Ctrl-C to stop.\n", vmid, ln.Addr())
		return console.Serve(ctx, ln, dial, log)
	}

	escapeStr, _ := cmd.Flags().GetString("escape-char")
	escapeChar, err := console.ParseEscapeChar(escapeStr)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("stdin is not a terminal, use --listen instead")
	}

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "\r\nDisconnected from VM %d.\r\n", vmid)
	}()

	fmt.Fprintf(os.Stderr, "Connected to VM %d (escape sequence: %s.)\r\n", vmid, console.FormatEscapeChar(escapeChar))
	err = console.Bridge(ctx, conn, stdio{os.Stdin, os.Stdout}, escapeChar)
	if err != nil && !errors.Is(err, console.ErrDetached) && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "\r\nrelay error: %v\r\n", err)
	}
	return nil
}
