package tem

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/comm"
)

// ErrRemote wraps an ERR reply from the controller
var ErrRemote = errors.New("controller error")

/*Client is an Instrument speaking a line protocol to a microscope
controller.  Every request is one line and gets one line back:

	get <register>              -> v[,v]
	set <register> <v[,v]>      -> OK
	mode <system>               -> <mode>
	mode <system> <mode>        -> OK
	restrict <name>             -> v
	restrict <name> <v>         -> OK

A reply starting with ERR is an error.
*/
type Client struct {
	pool *comm.Pool
}

// NewClient returns a client holding up to poolSize connections to the
// controller described by c.  Idle connections are closed after a minute.
func NewClient(c comm.Config, poolSize int) *Client {
	maker := func(ctx context.Context) (io.ReadWriteCloser, error) {
		rd := comm.NewRemoteDevice(c)
		if err := rd.Open(ctx); err != nil {
			return nil, err
		}
		return rd, nil
	}
	return &Client{pool: comm.NewPool(poolSize, time.Minute, maker)}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// Do sends one request and returns the reply
func (c *Client) Do(ctx context.Context, words ...string) (string, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return "", err
	}
	rd := conn.(*comm.RemoteDevice)
	msg := strings.Join(words, " ")
	resp, err := rd.SendRecv(ctx, []byte(msg))
	if err != nil {
		c.pool.Destroy(conn)
		return "", errors.Wrapf(err, "request %q", msg)
	}
	c.pool.Put(conn)
	s := strings.TrimSpace(string(resp))
	if strings.HasPrefix(s, "ERR") {
		return "", errors.Wrapf(ErrRemote, "%s: %s", msg, strings.TrimSpace(strings.TrimPrefix(s, "ERR")))
	}
	return s, nil
}

func (c *Client) expectOK(ctx context.Context, words ...string) error {
	s, err := c.Do(ctx, words...)
	if err != nil {
		return err
	}
	if s != "OK" {
		return errors.Errorf("unexpected reply %q to %s", s, strings.Join(words, " "))
	}
	return nil
}

// GetIndex reads a register
func (c *Client) GetIndex(ctx context.Context, name string) (SetPoint, error) {
	s, err := c.Do(ctx, "get", name)
	if err != nil {
		return nil, err
	}
	return ParseSetPoint(s)
}

// SetIndex writes a register
func (c *Client) SetIndex(ctx context.Context, name string, v SetPoint) error {
	return c.expectOK(ctx, "set", name, v.String())
}

// GetMode reads the mode of a system
func (c *Client) GetMode(ctx context.Context, system string) (string, error) {
	return c.Do(ctx, "mode", system)
}

// SetMode requests a mode switch
func (c *Client) SetMode(ctx context.Context, system, mode string) error {
	return c.expectOK(ctx, "mode", system, mode)
}

// GetRestriction reads a restriction
func (c *Client) GetRestriction(ctx context.Context, name string) (int, error) {
	s, err := c.Do(ctx, "restrict", name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	return v, errors.Wrapf(err, "parsing restriction %s", name)
}

// SetRestriction writes a restriction
func (c *Client) SetRestriction(ctx context.Context, name string, v int) error {
	return c.expectOK(ctx, "restrict", name, strconv.Itoa(v))
}

// Raw sends one line verbatim and returns the reply
func (c *Client) Raw(ctx context.Context, line string) (string, error) {
	return c.Do(ctx, line)
}
