package api

import (
	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc"
)

const (
	// TranslateBufferLen is the size of a translate request and the
	// maximum size of its response.
	TranslateBufferLen = 100
	// ChainBufferLen is the maximum size of a formatted ancestry chain
	// and of a pid write.
	ChainBufferLen = 1000

	pidOffset  = 0
	addrOffset = 8
	addrLen    = 6

	// bytes of the request copied verbatim in the response
	reservedLen = 16
	// response byte holding the low address byte
	addrLowOut = 16
	// response byte holding the first nibble of the frame number
	pfnFirstOut = 17
)

// TranslateRequest is the decoded content of a translate buffer.
type TranslateRequest struct {
	Pid  uint16
	Addr pagetable.VirtualAddress
}

// DecodeTranslateRequest decodes the pid from bytes 0-1 and the virtual
// address from bytes 8-13 of buf, both little endian. Bytes past the end of
// buf read as zero. No validation is done on the values.
func DecodeTranslateRequest(buf []byte) TranslateRequest {
	at := func(i int) uint64 {
		if i < len(buf) {
			return uint64(buf[i])
		}
		return 0
	}
	var req TranslateRequest
	req.Pid = uint16(at(pidOffset) | at(pidOffset+1)<<8)
	var va uint64
	for i := 0; i < addrLen; i++ {
		va |= at(addrOffset+i) << (8 * i)
	}
	req.Addr = pagetable.VirtualAddress(va)
	return req
}

// EncodeTranslateRequest returns the TranslateBufferLen bytes buffer
// decoded by DecodeTranslateRequest.
func EncodeTranslateRequest(req TranslateRequest) []byte {
	buf := make([]byte, TranslateBufferLen)
	buf[pidOffset] = byte(req.Pid)
	buf[pidOffset+1] = byte(req.Pid >> 8)
	for i := 0; i < addrLen; i++ {
		buf[addrOffset+i] = byte(uint64(req.Addr) >> (8 * i))
	}
	return buf
}

// PackTranslation builds the response to a translate request. The
// response is length bytes long, at most TranslateBufferLen:
//
//	bytes 0-15  copied from the request
//	byte 16     request byte 8
//	byte 17     request byte 9 modulo 16 in the low nibble, the lowest
//	            nibble of pfn in the high nibble
//	byte 18...  two nibbles of pfn each, low nibble first
//
// A NUL byte follows the last byte of the response in its backing array.
//
// Byte 17 keeps only the low nibble of request byte 9 even though the
// request carries full bytes of the address there. This is the layout
// clients of the protocol expect.
func PackTranslation(req []byte, pfn pagetable.PFN, length int) []byte {
	n := length
	if n > TranslateBufferLen {
		n = TranslateBufferLen
	}
	if n < 0 {
		n = 0
	}
	in := make([]byte, TranslateBufferLen)
	copy(in, req)
	out := make([]byte, n+1)
	f := uint64(pfn)
	for i := 0; i < n; i++ {
		switch {
		case i < reservedLen:
			out[i] = in[i]
		case i == addrLowOut:
			out[i] = in[addrOffset]
		case i == pfnFirstOut:
			out[i] = in[addrOffset+1] % 16
			out[i] += byte(f%16) * 16
			f /= 16
		default:
			out[i] = byte(f % 16)
			f /= 16
			out[i] += byte(f%16) * 16
			f /= 16
		}
	}
	out[n] = 0
	return out[:n]
}

// UnpackTranslation recovers the frame number from a response built by
// PackTranslation. It returns false if resp is too short to hold the
// lowest nibble of the frame number.
func UnpackTranslation(resp []byte) (pagetable.PFN, bool) {
	if len(resp) <= pfnFirstOut {
		return 0, false
	}
	var f uint64
	shift := uint(0)
	push := func(nibble byte) {
		if shift < 64 {
			f |= uint64(nibble&0xf) << shift
		}
		shift += 4
	}
	push(resp[pfnFirstOut] >> 4)
	for _, b := range resp[pfnFirstOut+1:] {
		push(b)
		push(b >> 4)
	}
	return pagetable.PFN(f), true
}

// ParsePid parses a decimal pid the way scanf("%u") does: leading white
// space and an optional '+' sign are skipped, parsing stops at the first
// character that is not a digit.
func ParsePid(data []byte) (int, error) {
	i := 0
	for i < len(data) && isSpace(data[i]) {
		i++
	}
	if i < len(data) && data[i] == '+' {
		i++
	}
	start := i
	pid := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		pid = pid*10 + int(data[i]-'0')
		if pid > maxPid {
			return 0, proc.ErrInvalidProcess{Pid: -1}
		}
		i++
	}
	if i == start {
		return 0, proc.ErrInvalidProcess{Pid: -1}
	}
	return pid, nil
}

// maxPid is PID_MAX_LIMIT on 64 bit systems.
const maxPid = 4 * 1024 * 1024

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
