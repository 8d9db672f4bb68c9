package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/console"
)

// detachKey is Ctrl-] as in telnet.
const detachKey = 0x1d

func newConsoleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "console <session-id>",
		Short: "Attach to an interactive session (Ctrl-] to detach)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), opts, args[0], os.Stdin, os.Stdout)
		},
	}
}

func runConsole(ctx context.Context, opts *rootOptions, sessionID string, in *os.File, out io.Writer) error {
	logger := opts.logger()
	defer func() { _ = logger.Sync() }()

	copts := console.DefaultOptions(opts.server)
	copts.Logger = logger
	client := console.NewClient(copts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once    sync.Once
		exitErr error
	)
	finish := func(err error) {
		once.Do(func() {
			exitErr = err
			cancel()
		})
	}

	client.OnData(func(text string) {
		_, _ = io.WriteString(out, text)
	})
	client.OnError(func(err error) {
		logger.Debug("Console error", zap.Error(err))
	})
	client.OnConnected(func(string) {
		resize(client, in, logger)
	})
	client.OnDisconnected(func(ev console.DisconnectEvent) {
		if ev.Intentional {
			finish(nil)
			return
		}
		// Reconnects run on the client; only the final failure ends the command.
		if copts.MaxReconnects <= 0 {
			finish(fmt.Errorf("console closed: %d %s", ev.Code, ev.Reason))
		}
	})

	connectCtx, connectCancel := withTimeout(ctx, opts.timeout)
	err := client.Connect(connectCtx, sessionID)
	connectCancel()
	if err != nil {
		return err
	}
	defer client.Disconnect()

	restore, err := makeRaw(in)
	if err != nil {
		return err
	}
	defer restore()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				resize(client, in, logger)
			}
		}
	}()

	go pumpStdin(in, client, finish, logger)
	go watchReconnect(ctx, client, copts, finish)

	<-ctx.Done()
	return exitErr
}

func pumpStdin(in io.Reader, client *console.Client, finish func(error), logger *zap.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for i, b := range chunk {
				if b == detachKey {
					if i > 0 {
						_ = client.Write(string(chunk[:i]))
					}
					finish(nil)
					return
				}
			}
			if werr := client.Write(string(chunk)); werr != nil {
				logger.Debug("Dropped console input", zap.Error(werr))
			}
		}
		if err != nil {
			finish(nil)
			return
		}
	}
}

// watchReconnect ends the command once the client stays disconnected past
// its reconnect budget.
func watchReconnect(ctx context.Context, client *console.Client, copts console.Options, finish func(error)) {
	budget := copts.ReconnectDelay * time.Duration(copts.MaxReconnects+1)
	ticker := time.NewTicker(copts.ReconnectDelay)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if client.Connected() {
				downSince = time.Time{}
				continue
			}
			if downSince.IsZero() {
				downSince = now
				continue
			}
			if now.Sub(downSince) > budget {
				finish(fmt.Errorf("console connection lost"))
				return
			}
		}
	}
}

func makeRaw(f *os.File) (func(), error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enable raw mode: %w", err)
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func resize(client *console.Client, f *os.File, logger *zap.Logger) {
	rows, cols := termSize(f)
	if err := client.Resize(rows, cols); err != nil {
		logger.Debug("Console resize failed", zap.Error(err))
	}
}

// termSize falls back to LINES/COLUMNS and then 24x80 when f is not a terminal.
func termSize(f *os.File) (rows, cols uint16) {
	if w, h, err := term.GetSize(int(f.Fd())); err == nil && w > 0 && h > 0 {
		return uint16(h), uint16(w)
	}
	return parseUint16(os.Getenv("LINES"), 24), parseUint16(os.Getenv("COLUMNS"), 80)
}
