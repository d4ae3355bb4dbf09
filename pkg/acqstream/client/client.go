// Package client talks to a streaming server: CommandClient on the command
// channel and DataClient on the data channel.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/command"
)

type CommandClient struct {
	conn net.Conn
	r    *textproto.Reader
	w    *textproto.Writer
	mu   sync.Mutex
}

func DialCommand(ctx context.Context, addr string) (*CommandClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &CommandClient{
		conn: conn,
		r:    textproto.NewReader(bufio.NewReader(conn)),
		w:    textproto.NewWriter(bufio.NewWriter(conn)),
	}, nil
}

// Do sends one command line and reads its response.
func (c *CommandClient) Do(ctx context.Context, line string) (command.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return command.Response{}, err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.w.PrintfLine("%s", line); err != nil {
		return command.Response{}, err
	}
	return command.ReadResponse(c.r)
}

// DoJSON sends the command in its JSON form, which asks handlers for JSON
// payloads.
func (c *CommandClient) DoJSON(ctx context.Context, name string, args ...string) (command.Response, error) {
	if args == nil {
		args = []string{}
	}
	b, err := json.Marshal(map[string]interface{}{"command": name, "args": args})
	if err != nil {
		return command.Response{}, err
	}
	return c.Do(ctx, string(b))
}

// Expect is Do, failing on an ERR response.
func (c *CommandClient) Expect(ctx context.Context, line string) (string, error) {
	resp, err := c.Do(ctx, line)
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("%s: %s", line, resp.Payload)
	}
	return resp.Payload, nil
}

func (c *CommandClient) Close() error {
	return c.conn.Close()
}
