//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns the default ListenConfig on platforms
// without a tuned socket setup.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
