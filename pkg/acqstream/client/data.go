package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/types"
)

// Event is one decoded tag of the data stream. Only the fields matching
// Tag.Kind are set.
type Event struct {
	Tag      *fifftag.Tag
	Info     *fifftag.Info
	Block    *types.SampleBlock
	Gap      uint64
	End      fifftag.EndReason
	ClientID int32
	// Message is the text of an ERROR tag or the connector of a RESET tag.
	Message string
}

type DataClient struct {
	conn net.Conn
	r    *fifftag.Reader

	wmu sync.Mutex
	w   *fifftag.Writer
}

func DialData(ctx context.Context, addr string) (*DataClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &DataClient{
		conn: conn,
		r:    fifftag.NewReader(conn),
		w:    fifftag.NewWriter(conn),
	}, nil
}

func (c *DataClient) send(t *fifftag.Tag) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.WriteTag(t)
}

// RequestClientID asks the server for a CLIENT_ID tag.
func (c *DataClient) RequestClientID() error {
	return c.send(fifftag.NewCommand(fifftag.CommandGetClientID, nil))
}

func (c *DataClient) SetAlias(alias string) error {
	return c.send(fifftag.NewCommand(fifftag.CommandSetAlias, []byte(alias)))
}

// Next reads and decodes the next tag.
func (c *DataClient) Next(ctx context.Context) (*Event, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	tag, err := c.r.ReadTag()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return Decode(tag)
}

// WaitFor reads until a tag of kind arrives, discarding others.
func (c *DataClient) WaitFor(ctx context.Context, kind fifftag.Kind) (*Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if ev.Tag.Kind == kind {
			return ev, nil
		}
	}
}

func (c *DataClient) Close() error {
	return c.conn.Close()
}

func Decode(tag *fifftag.Tag) (*Event, error) {
	ev := &Event{Tag: tag}
	var err error
	switch tag.Kind {
	case fifftag.KindInfo:
		ev.Info, err = fifftag.ParseInfo(tag)
	case fifftag.KindData:
		ev.Block, err = fifftag.ParseData(tag)
	case fifftag.KindGap:
		ev.Gap, err = fifftag.ParseGap(tag)
	case fifftag.KindEnd:
		ev.End, err = fifftag.ParseEnd(tag)
	case fifftag.KindClientID:
		ev.ClientID, err = fifftag.ParseClientID(tag)
	case fifftag.KindReset, fifftag.KindError:
		ev.Message = string(tag.Data)
	default:
		err = fmt.Errorf("%w: unexpected kind %s", fifftag.ErrMalformedTag, tag.Kind)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
