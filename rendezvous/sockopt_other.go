//go:build !unix

package rendezvous

import "net"

// reusePortListenConfig is a plain listen config on platforms without
// SO_REUSEPORT (e.g. Windows).
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
