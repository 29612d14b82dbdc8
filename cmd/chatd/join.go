package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/scott-cotton/cli"
	"golang.org/x/term"

	ipc "github.com/jc-lab/psk-local-chat-go"
	"github.com/jc-lab/psk-local-chat-go/chat"
	"github.com/jc-lab/psk-local-chat-go/logger"
)

func join(cfg *JoinConfig, cc *cli.Context, args []string) error {
	_, err := cfg.Join.Parse(cc, args)
	if err != nil {
		cfg.Join.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}

	conf, err := cfg.load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitCodeErr(1)
	}
	log := logger.New(os.Stderr, logger.ParseLevel(conf.LogLevel))
	in := bufio.NewReader(cc.In)

	password, err := readPassword(cc.In, in, cc.Out)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	user := cfg.User
	if user == "" {
		fmt.Fprint(cc.Out, "Enter your username: ")
		if user, err = readLine(in); err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientCfg := &ipc.ClientConfig{
		SocketDirectory:  conf.Endpoint.Directory,
		Timeout:          conf.Client.ConnectTimeout.Duration,
		RetryTimer:       conf.Client.RetryMax.Duration,
		HandshakeTimeout: conf.Client.HandshakeTimeout.Duration,
		PskConfig:        ipc.NewPSKConfig(user, password),
		OnStatus: func(status ipc.Status, err error) {
			if status == ipc.ReConnecting {
				fmt.Fprintln(os.Stderr, "Server not available. Trying to reconnect...")
				return
			}
			log.Debug("connection", "status", status, "err", err)
		},
	}

	client, err := chat.Join(ctx, conf.Endpoint.Name, user, clientCfg)
	switch {
	case err == nil:
	case errors.Is(err, ipc.ErrAuthentication):
		fmt.Fprintln(os.Stderr, "Incorrect password. Exiting.")
		return cli.ExitCodeErr(1)
	case errors.Is(err, ipc.ErrRejected):
		fmt.Fprintln(os.Stderr, "Server is full. Exiting.")
		return cli.ExitCodeErr(1)
	case errors.Is(err, context.Canceled):
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Failed to join: %v\n", err)
		return cli.ExitCodeErr(1)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := readLine(in)
			if err != nil {
				readErr <- err
				return
			}
			lines <- line
		}
	}()

	for {
		fmt.Fprint(cc.Out, "Enter message (type 'exit' to quit): ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(cc.Out)
			return leave(client)
		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				log.Warn("failed to read input", "err", err)
			}
			return leave(client)
		case line := <-lines:
			if line == "exit" {
				return leave(client)
			}
			if err := client.Say(line); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing to the server: %v\n", err)
				client.Close()
				return cli.ExitCodeErr(1)
			}
		}
	}
}

func leave(client *chat.Client) error {
	fmt.Fprintln(os.Stderr, "Exiting the client.")
	if err := client.Exit(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to the server: %v\n", err)
		return cli.ExitCodeErr(1)
	}
	return nil
}

// readPassword reads without echo when src is a terminal, otherwise it takes
// the next line of in, the buffered reader over src.
func readPassword(src io.Reader, in *bufio.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Enter the password: ")
	if f, ok := src.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		return string(b), err
	}
	return readLine(in)
}

// readLine returns the next line without its terminator. A final line
// without a newline is returned before io.EOF.
func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
