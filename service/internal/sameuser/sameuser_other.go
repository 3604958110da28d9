//go:build !linux
// +build !linux

package sameuser

import "net"

// CanAccept always accepts: the owner of a connection can only be found
// through procfs.
func CanAccept(listenAddr, localAddr, remoteAddr net.Addr) bool {
	return true
}
