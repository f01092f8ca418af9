package fastboot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unisoc-unlock/unisoc-unlock/core"
)

// Fastboot framing: the host writes one command packet,
// the device answers with packets starting with a 4 byte
// status; INFO and TEXT may repeat, OKAY or FAIL end the
// command.

const (
	MaxCommandLength = 64
	// newer bootloaders send up to 256 bytes per response
	maxResponseLength = 256
	statusLength      = 4

	// after a timeout the device may still answer the old command
	drainTimeout    = 100 * time.Millisecond
	maxDrainPackets = 32
)

var (
	statusOkay = []byte("OKAY")
	statusFail = []byte("FAIL")
	statusInfo = []byte("INFO")
	statusText = []byte("TEXT")
	statusData = []byte("DATA")
)

var ErrCommandTooLong = fmt.Errorf("command longer than %d bytes", MaxCommandLength)

// Conn is a byte pipe to the device whose reads and writes
// give up when ctx is done.
type Conn interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
	Close() error
}

type Client struct {
	conn Conn
	log  core.Logger

	// command that timed out and may still be answered
	pending string
}

func New(conn Conn, log core.Logger) *Client {
	return &Client{
		conn: conn,
		log:  log,
	}
}

func (c *Client) Log(s string) {
	if c.log != nil {
		c.log.Log("fastboot - " + s)
	}
}

// Command sends cmd and returns the payload of the final OKAY.
// FAIL, an unexpected response or a timeout is *core.CommandError,
// any other I/O problem is *core.TransportError.
func (c *Client) Command(ctx context.Context, cmd []byte) (string, error) {
	name := string(cmd)
	if len(cmd) > MaxCommandLength {
		return "", &core.CommandError{Command: name, Kind: core.CommandRejected, Reason: ErrCommandTooLong.Error()}
	}

	if c.pending != "" {
		prev := c.pending
		c.pending = ""
		okay, payload, err := c.drain(ctx)
		if err != nil {
			return "", c.ioError(ctx, name, "drain", err)
		}
		if okay {
			c.Log(fmt.Sprintf("late OKAY of %s, not sending %s", prev, name))
			return "", &core.LateOkayError{Command: prev, Payload: payload}
		}
	}

	c.Log(fmt.Sprintf("> %s", name))
	_, err := c.conn.WriteContext(ctx, cmd)
	if err != nil {
		return "", c.ioError(ctx, name, "write", err)
	}

	buf := make([]byte, maxResponseLength)
	for {
		n, err := c.conn.ReadContext(ctx, buf)
		if err != nil {
			return "", c.ioError(ctx, name, "read", err)
		}
		if n < statusLength {
			return "", &core.CommandError{
				Command: name,
				Kind:    core.CommandRejected,
				Reason:  fmt.Sprintf("short response %q", buf[:n]),
			}
		}

		status, payload := buf[:statusLength], string(buf[statusLength:n])
		c.Log(fmt.Sprintf("< %s %s", status, payload))

		switch {
		case bytes.Equal(status, statusOkay):
			return payload, nil
		case bytes.Equal(status, statusFail):
			return "", &core.CommandError{Command: name, Kind: core.CommandRejected, Reason: payload}
		case bytes.Equal(status, statusInfo), bytes.Equal(status, statusText):
			continue
		case bytes.Equal(status, statusData):
			// unlock never asks for a download
			return "", &core.CommandError{
				Command: name,
				Kind:    core.CommandRejected,
				Reason:  "unexpected data request " + payload,
			}
		default:
			return "", &core.CommandError{
				Command: name,
				Kind:    core.CommandRejected,
				Reason:  fmt.Sprintf("unknown response %q", buf[:n]),
			}
		}
	}
}

// drain reads and drops what is left of a timed out command,
// until the device stays quiet for drainTimeout.
func (c *Client) drain(ctx context.Context) (okay bool, payload string, err error) {
	buf := make([]byte, maxResponseLength)
	for i := 0; i < maxDrainPackets; i++ {
		dctx, cancel := context.WithTimeout(ctx, drainTimeout)
		n, err := c.conn.ReadContext(dctx, buf)
		quiet := errors.Is(dctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if quiet && ctx.Err() == nil {
				return false, "", nil
			}
			return false, "", err
		}
		c.Log(fmt.Sprintf("drained %q", buf[:n]))
		if n >= statusLength && bytes.Equal(buf[:statusLength], statusOkay) {
			return true, string(buf[statusLength:n]), nil
		}
	}
	return false, "", nil
}

func (c *Client) ioError(ctx context.Context, name, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.pending = name
		return &core.CommandError{Command: name, Kind: core.CommandTimeout}
	}
	return &core.TransportError{Op: op, Err: err}
}

// Serial is the serial number of the device, when the
// connection knows it.
func (c *Client) Serial() string {
	if sc, ok := c.conn.(interface{ Serial() string }); ok {
		return sc.Serial()
	}
	return ""
}

func (c *Client) Close() error {
	c.Log("close")
	return c.conn.Close()
}
