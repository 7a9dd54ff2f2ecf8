/*Package comm provides line-oriented communication with lab hardware over
TCP or a serial port.

A RemoteDevice holds the address and framing of a controller.  Open dials
it with backoff; SendRecv writes one terminated line and reads one back.

	rd := comm.NewRemoteDevice(comm.Config{Addr: "192.168.100.40:5000"})
	if err := rd.Open(ctx); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv(ctx, []byte("get mag"))
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Config describes how to reach a controller
type Config struct {
	// Addr is host:port, or a device path such as /dev/ttyUSB0 when Serial is set
	Addr string `yaml:"Addr"`

	// Serial selects a serial port instead of TCP
	Serial bool `yaml:"Serial"`

	// Baud is the serial baud rate, default 9600
	Baud int `yaml:"Baud"`

	// Timeout bounds connect and each read or write, default 3s
	Timeout time.Duration `yaml:"Timeout"`

	// Terminator ends every line sent and received, default '\r'
	Terminator byte `yaml:"Terminator"`
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Terminator == 0 {
		c.Terminator = '\r'
	}
	return c
}

// SerialConf yields a config for serial.OpenPort
func (c Config) SerialConf() *serial.Config {
	c = c.withDefaults()
	return &serial.Config{Name: c.Addr, Baud: c.Baud, ReadTimeout: c.Timeout}
}

/*RemoteDevice has an address and sends and receives terminated lines.

It is concurrent-safe; a SendRecv is never interleaved with another.
*/
type RemoteDevice struct {
	Config

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(c Config) *RemoteDevice {
	return &RemoteDevice{Config: c.withDefaults()}
}

// Open the connection.  Connection attempts are retried with an exponential
// backoff, except when the remote actively refuses.
func (rd *RemoteDevice) Open(ctx context.Context) error {
	conn, err := Dial(ctx, rd.Config)
	if err != nil {
		return err
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn != nil {
		rd.conn.Close()
	}
	rd.conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rd = nil
	return err
}

// Connected is true between Open and Close
func (rd *RemoteDevice) Connected() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.conn != nil
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	if nc, ok := rd.conn.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(rd.Timeout))
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.Terminator)
	_, err := rd.conn.Write(buf)
	return err
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	if nc, ok := rd.conn.(net.Conn); ok {
		nc.SetReadDeadline(time.Now().Add(rd.Timeout))
	}
	buf, err := rd.rd.ReadBytes(rd.Terminator)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{rd.Terminator})
	// tolerate CRLF from controllers configured for '\n'
	return bytes.TrimSuffix(buf, []byte{'\r'}), nil
}

// Send writes data to the remote, appending the terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

// Recv receives one line from the remote and strips the terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

// SendRecv sends a line then returns the response with the terminator
// stripped.  A cancelled ctx closes the connection to unblock the read.
func (rd *RemoteDevice) SendRecv(ctx context.Context, b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := rd.conn
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	if err := rd.send(b); err != nil {
		return nil, rd.fail(ctx, err)
	}
	resp, err := rd.recv()
	if err != nil {
		return nil, rd.fail(ctx, err)
	}
	return resp, nil
}

// fail drops a connection whose stream position is no longer known
func (rd *RemoteDevice) fail(ctx context.Context, err error) error {
	rd.conn.Close()
	rd.conn = nil
	rd.rd = nil
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Dial opens a TCP or serial connection per c.  TCP dials are retried with
// an exponential backoff for up to three timeouts; a refused connection is
// not retried.
func Dial(ctx context.Context, c Config) (io.ReadWriteCloser, error) {
	c = c.withDefaults()
	if c.Serial {
		conn, err := serial.OpenPort(c.SerialConf())
		return conn, errors.Wrapf(err, "opening serial port %s", c.Addr)
	}
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = TCPSetup(ctx, c.Addr, c.Timeout)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * c.Timeout,
		Clock:               backoff.SystemClock}, ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", c.Addr)
	}
	return conn, nil
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Write writes raw bytes, without a terminator
func (rd *RemoteDevice) Write(b []byte) (int, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return 0, ErrNotConnected
	}
	return rd.conn.Write(b)
}

// Read reads raw bytes through the line buffer
func (rd *RemoteDevice) Read(b []byte) (int, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return 0, ErrNotConnected
	}
	return rd.rd.Read(b)
}
