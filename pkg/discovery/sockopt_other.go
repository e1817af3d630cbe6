//go:build !unix

package discovery

import "net"

// enableBroadcast is a no-op where the socket option is not reachable
// through the unix package; sends to the broadcast address may still work
// depending on the platform default.
func enableBroadcast(*net.UDPConn) error {
	return nil
}
