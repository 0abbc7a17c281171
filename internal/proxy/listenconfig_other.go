//go:build !unix

package proxy

import "net"

// reuseAddrListenConfig falls back to defaults on platforms where
// golang.org/x/sys/unix socket options don't apply.
func reuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
