//go:build !linux && !windows

package network

import (
	"net"
	"time"
)

// ReuseAddrListenConfig returns a plain net.ListenConfig on platforms where
// the runtime already sets SO_REUSEADDR for listeners.
func ReuseAddrListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{KeepAlive: keepAlive}
}
