//go:build windows

package network

import (
	"net"
	"syscall"
	"time"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding. Accepted connections inherit the keepalive period.
func ReuseAddrListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
}
