package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

// StatusFunc reports what a discovery reply should advertise.
type StatusFunc func(ctx context.Context) (protocol.ServerInfo, error)

// DiscoveryResponder answers LAN discovery requests. Clients broadcast a UDP
// datagram starting with protocol.DiscoveryRequest; the responder replies with
// the hostname, motd, session port and online count.
type DiscoveryResponder struct {
	addr   string
	status StatusFunc
	conn   *net.UDPConn
	ready  chan struct{}
}

// NewDiscoveryResponder creates a responder bound to addr once started.
func NewDiscoveryResponder(addr string, status StatusFunc) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:   addr,
		status: status,
		ready:  make(chan struct{}),
	}
}

// Start begins answering requests until ctx is cancelled.
func (d *DiscoveryResponder) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig(0)
	pc, err := lc.ListenPacket(ctx, "udp4", d.addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on %s: %w", d.addr, err)
	}
	d.conn = pc.(*net.UDPConn)
	close(d.ready)

	log.Info().Str("addr", d.conn.LocalAddr().String()).Msg("discovery responder started")

	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, remote, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("discovery responder stopping")
				return nil
			default:
				log.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		if n < 1 || buf[0] != protocol.DiscoveryRequest {
			continue
		}

		info, err := d.status(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to collect discovery status")
			continue
		}

		if _, err := d.conn.WriteToUDP(protocol.BuildDiscoveryReply(info), remote); err != nil {
			log.Warn().
				Err(err).
				Str("remote", remote.String()).
				Msg("failed to send discovery reply")
			continue
		}

		log.Trace().
			Str("remote", remote.String()).
			Msg("answered discovery request")
	}
}

// Ready is closed once the socket is bound.
func (d *DiscoveryResponder) Ready() <-chan struct{} {
	return d.ready
}

// LocalAddr returns the bound address. Only valid after Ready is closed.
func (d *DiscoveryResponder) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Discover sends one request to addr (usually a broadcast address) and collects
// replies until timeout.
func Discover(ctx context.Context, addr string, timeout time.Duration) ([]protocol.ServerInfo, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery address %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte{protocol.DiscoveryRequest}, raddr); err != nil {
		return nil, fmt.Errorf("failed to send discovery request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var found []protocol.ServerInfo
	buf := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			// the deadline ends the collection window
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return found, nil
			}
			return found, err
		}
		info, err := protocol.ParseDiscoveryReply(buf[:n])
		if err != nil {
			continue
		}
		found = append(found, info)
	}
}
