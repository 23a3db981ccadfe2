// Package osc sends Open Sound Control messages over UDP.
package osc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"
)

// DefaultWriteTimeout bounds a single datagram write so a wedged socket cannot
// stall the caller's loop.
const DefaultWriteTimeout = 50 * time.Millisecond

// Conn is the subset of net.Conn the client writes through.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
}

type deadlineConn interface {
	SetWriteDeadline(t time.Time) error
}

// ErrInvalidTarget marks NewClient failures caused by the host or port
// rather than by the local network stack.
var ErrInvalidTarget = errors.New("invalid OSC target")

// Stats counts datagrams since the client was created.
type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// Client encodes OSC messages and writes each as one UDP datagram. Sends are
// fire-and-forget: a receiver that is not listening is not an error unless
// the kernel reports one.
type Client struct {
	conn   Conn
	target string

	writeTimeout time.Duration

	sent   atomic.Uint64
	failed atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewClient resolves host:port and dials a connected UDP socket.
func NewClient(host string, port int) (*Client, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, port)
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %w", ErrInvalidTarget, target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSC connection to %s: %w", target, err)
	}
	return NewClientWithConn(conn, target), nil
}

// NewClientWithConn wraps an existing connection.
func NewClientWithConn(conn Conn, target string) *Client {
	return &Client{
		conn:         conn,
		target:       target,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Target returns the host:port messages are sent to.
func (c *Client) Target() string { return c.target }

// Encode builds the wire form of a message with the given arguments.
func Encode(address string, args ...interface{}) ([]byte, error) {
	msg := goosc.NewMessage(address, args...)
	data, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode OSC message %s: %w", address, err)
	}
	return data, nil
}

// Send encodes and writes one message.
func (c *Client) Send(address string, args ...interface{}) error {
	data, err := Encode(address, args...)
	if err != nil {
		c.failed.Add(1)
		return err
	}
	if dc, ok := c.conn.(deadlineConn); ok && c.writeTimeout > 0 {
		_ = dc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("failed to send OSC message to %s: %w", c.target, err)
	}
	c.sent.Add(1)
	return nil
}

// Stats returns the sent and failed counters.
func (c *Client) Stats() Stats {
	return Stats{Sent: c.sent.Load(), Failed: c.failed.Load()}
}

// Close closes the connection. Subsequent calls return the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
