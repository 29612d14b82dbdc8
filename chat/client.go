package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	ipc "github.com/jc-lab/psk-local-chat-go"
)

// Client is one chat participant connected to the server.
type Client struct {
	conn *ipc.Conn
	user string
}

// Join connects to the endpoint called name and announces "<user> joined".
func Join(ctx context.Context, name string, user string, config *ipc.ClientConfig) (*Client, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}

	conn, err := ipc.Dial(ctx, name, config)
	if err != nil {
		return nil, err
	}

	c := &Client{conn: conn, user: user}
	if err := c.send(user + " joined"); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) User() string {
	return c.user
}

// Say sends "<user>: <text>". A trailing newline is dropped.
func (c *Client) Say(text string) error {
	return c.send(c.user + ": " + strings.TrimRight(text, "\r\n"))
}

// Exit announces "<user> exited" and closes the connection.
func (c *Client) Exit() error {
	err := c.send(c.user + " exited")
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// send truncates text so that it fits the negotiated message size together
// with its terminator.
func (c *Client) send(text string) error {
	return c.conn.WriteText(truncate(text, c.conn.MaxMsgSize()-1))
}

func truncate(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
