//go:build linux
// +build linux

// Package sameuser restricts loopback connections to the user running the
// server.
package sameuser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dbfs-tools/dbfs/pkg/logflags"
)

// for testing
var (
	uid      = unix.Getuid()
	readFile = os.ReadFile
)

type errConnectionNotFound struct {
	filename string
}

func (e *errConnectionNotFound) Error() string {
	return fmt.Sprintf("connection not found in %s", e.filename)
}

// tcpEntry is a line of /proc/net/tcp{,6}.
type tcpEntry struct {
	local, remote string
	uid           uint
}

func parseTCPTable(b []byte) []tcpEntry {
	var r []tcpEntry
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var (
			sl            int
			local, remote string
			state         int
			queue, timer  string
			retransmit    int
			entryUID      uint
		)
		// columns are padded (%4d, %5u), Sscanf handles that where
		// strings.Fields would not tell the fields apart from the header.
		n, err := fmt.Sscanf(line, "%4d: %s %s %02X %s %s %08X %d",
			&sl, &local, &remote, &state, &queue, &timer, &retransmit, &entryUID)
		if n != 8 || err != nil {
			continue // header
		}
		r = append(r, tcpEntry{local: local, remote: remote, uid: entryUID})
	}
	return r
}

func sameUserForHexAddr(filename, localAddr, remoteAddr string) (bool, error) {
	b, err := readFile(filename)
	if err != nil {
		return false, err
	}
	for _, e := range parseTCPTable(b) {
		// the table row of the client socket has the server address as
		// its remote end.
		if e.local != remoteAddr || e.remote != localAddr {
			continue
		}
		same := uid == int(e.uid)
		if !same {
			logflags.RPCLogger().Debugf("connection from uid %d, server uid %d", e.uid, uid)
		}
		return same, nil
	}
	return false, &errConnectionNotFound{filename}
}

func addrToHex4(addr *net.TCPAddr) string {
	b := addr.IP.To4()
	return fmt.Sprintf("%02X%02X%02X%02X:%04X", b[3], b[2], b[1], b[0], addr.Port)
}

func addrToHex6(addr *net.TCPAddr) string {
	words := make([]uint32, 4)
	if err := binary.Read(bytes.NewReader(addr.IP.To16()), binary.LittleEndian, words); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%08X%08X%08X%08X:%04X", words[0], words[1], words[2], words[3], addr.Port)
}

const v4InV6Prefix = "0000000000000000FFFF0000"

func sameUserForRemoteAddr(localAddr, remoteAddr *net.TCPAddr) (bool, error) {
	if remoteAddr.IP.To4() == nil {
		return sameUserForHexAddr("/proc/net/tcp6", addrToHex6(localAddr), addrToHex6(remoteAddr))
	}
	local, remote := addrToHex4(localAddr), addrToHex4(remoteAddr)
	r, err := sameUserForHexAddr("/proc/net/tcp", local, remote)
	if _, notFound := err.(*errConnectionNotFound); notFound {
		// dual stack listeners report IPv4 clients as mapped addresses
		r6, err6 := sameUserForHexAddr("/proc/net/tcp6", v4InV6Prefix+local, v4InV6Prefix+remote)
		if err6 == nil {
			return r6, nil
		}
	}
	return r, err
}

// CanAccept reports whether a connection between localAddr and remoteAddr,
// accepted on listenAddr, may be served. Connections on a loopback listener
// are only served when the client runs as the same user as the server.
func CanAccept(listenAddr, localAddr, remoteAddr net.Addr) bool {
	laddr, ok := listenAddr.(*net.TCPAddr)
	if !ok || !laddr.IP.IsLoopback() {
		return true
	}
	remote, ok1 := remoteAddr.(*net.TCPAddr)
	local, ok2 := localAddr.(*net.TCPAddr)
	if !ok1 || !ok2 {
		return false
	}
	log := logflags.RPCLogger()
	same, err := sameUserForRemoteAddr(local, remote)
	if err != nil {
		log.Errorf("cannot check remote address: %v", err)
	}
	if !same {
		msg := fmt.Sprintf("closing connection from different user (%v): connections to localhost are only accepted from the same UNIX user", remote)
		if logflags.Any() {
			log.Error(msg)
		} else {
			fmt.Fprintln(os.Stderr, msg)
		}
		return false
	}
	return true
}
