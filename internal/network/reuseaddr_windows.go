//go:build windows

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR so a
// restarted ConnectServer can rebind ports still in TIME_WAIT.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
}
