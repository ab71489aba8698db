// Package client is the network side of a voxelnet player. A Client owns one
// connection and splits it into two goroutines: a reader that decodes frames
// onto the inbound channel and a writer that drains the outbound channel.
// Callers only ever touch the channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

// Connection retry defaults.
const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

const (
	inboundBacklog  = 64
	outboundBacklog = 16
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("client closed")

// Options controls how Dial connects.
type Options struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

// Client is a connected session.
type Client struct {
	conn   net.Conn
	logger zerolog.Logger

	inbound  chan protocol.Packet
	outbound chan protocol.Packet
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Dial connects to addr, retrying up to opts.Attempts times with opts.Delay
// between attempts.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts.setDefaults()
	logger := log.With().Str("component", "client").Str("addr", addr).Logger()

	dialer := net.Dialer{Timeout: opts.Timeout}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			logger.Debug().Int("attempt", attempt).Msg("connected")
			return newClient(conn, logger), nil
		}
		lastErr = err

		logger.Warn().Err(err).Int("attempt", attempt).Int("max", opts.Attempts).Msg("connect failed")
		if attempt == opts.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Delay):
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", addr, opts.Attempts, lastErr)
}

func newClient(conn net.Conn, logger zerolog.Logger) *Client {
	c := &Client{
		conn:     conn,
		logger:   logger,
		inbound:  make(chan protocol.Packet, inboundBacklog),
		outbound: make(chan protocol.Packet, outboundBacklog),
		done:     make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Inbound delivers every packet the server sends. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Inbound() <-chan protocol.Packet {
	return c.inbound
}

// Done is closed once the client shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.Close()
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.inbound)

	for {
		pkt, err := protocol.ReadPacket(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(err)
			}
			return
		}

		select {
		case c.inbound <- pkt:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case pkt := <-c.outbound:
			if err := protocol.WritePacket(c.conn, pkt); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// Send queues pkt for the writer goroutine.
func (c *Client) Send(ctx context.Context, pkt protocol.Packet) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outbound <- pkt:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Say sends a chat line to everyone.
func (c *Client) Say(ctx context.Context, text string) error {
	return c.Send(ctx, &protocol.Text{Recipient: protocol.RecipientAll, Type: protocol.TextUser, Text: text})
}

// Whisper sends a chat line to one peer.
func (c *Client) Whisper(ctx context.Context, to uint16, text string) error {
	return c.Send(ctx, &protocol.Text{Recipient: to, Type: protocol.TextUser, Text: text})
}

// Who asks for the number of connected peers.
func (c *Client) Who(ctx context.Context) error {
	return c.Send(ctx, &protocol.Query{Opcode: protocol.QueryWho})
}

// Put places block id at z, y, x.
func (c *Client) Put(ctx context.Context, z, y, x, id uint16) error {
	return c.Send(ctx, protocol.NewPut(z, y, x, id))
}

// Login authenticates the session.
func (c *Client) Login(ctx context.Context, name, password string) error {
	return c.Send(ctx, &protocol.Login{Name: name, Password: password})
}

// Close stops both goroutines and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Wait blocks until the reader and writer have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}
