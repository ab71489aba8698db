//go:build linux

package network

import (
	"net"
	"syscall"
	"time"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding, so a restarted server can rebind a port
// still in TIME_WAIT. Accepted connections inherit the keepalive period.
func ReuseAddrListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
