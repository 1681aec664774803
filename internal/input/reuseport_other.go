//go:build !linux

package input

import "net"

// listen opens a TCP listener. SO_REUSEPORT is a Linux optimization;
// elsewhere only the first worker can bind a shared address.
func listen(addr string, _ bool) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
