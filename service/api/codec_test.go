package api

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc"
)

func TestDecodeTranslateRequest(t *testing.T) {
	buf := make([]byte, TranslateBufferLen)
	buf[0], buf[1] = 0x34, 0x12
	copy(buf[8:], []byte{0x00, 0x10, 0x40, 0x7f, 0x55, 0x00})
	// bytes outside the pid and address fields are ignored
	buf[2], buf[7], buf[14] = 0xff, 0xff, 0xff

	req := DecodeTranslateRequest(buf)
	if req.Pid != 0x1234 {
		t.Fatalf("pid: expected %#x got %#x", 0x1234, req.Pid)
	}
	if req.Addr != 0x557f401000 {
		t.Fatalf("addr: expected %#x got %#x", 0x557f401000, uint64(req.Addr))
	}

	req2 := DecodeTranslateRequest(EncodeTranslateRequest(req))
	if req2 != req {
		t.Fatalf("round trip: expected %#v got %#v", req, req2)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	req := DecodeTranslateRequest([]byte{5, 0, 0, 0, 0, 0, 0, 0, 0xff, 0x01})
	if req.Pid != 5 || req.Addr != 0x1ff {
		t.Fatalf("unexpected request %#v", req)
	}
	if req := DecodeTranslateRequest(nil); req.Pid != 0 || req.Addr != 0 {
		t.Fatalf("unexpected request %#v", req)
	}
}

func TestPackTranslation(t *testing.T) {
	req := make([]byte, TranslateBufferLen)
	for i := 0; i < 16; i++ {
		req[i] = byte(0xa0 + i)
	}

	out := PackTranslation(req, 0x12345, TranslateBufferLen)
	if len(out) != TranslateBufferLen {
		t.Fatalf("expected %d bytes got %d", TranslateBufferLen, len(out))
	}
	if !bytes.Equal(out[:16], req[:16]) {
		t.Fatalf("header not copied: % x", out[:16])
	}
	want := []byte{0xa8, 0x59, 0x34, 0x12, 0x00}
	if !bytes.Equal(out[16:21], want) {
		t.Fatalf("expected % x got % x", want, out[16:21])
	}
	for i := 21; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("byte %d: expected 0 got %#x", i, out[i])
		}
	}
	if term := out[:cap(out)][len(out)]; term != 0 {
		t.Fatalf("missing terminator, got %#x", term)
	}

	pfn, ok := UnpackTranslation(out)
	if !ok || pfn != 0x12345 {
		t.Fatalf("unpack: expected %#x got %#x (%v)", 0x12345, uint64(pfn), ok)
	}
}

func TestPackTranslationLength(t *testing.T) {
	req := EncodeTranslateRequest(TranslateRequest{Pid: 1, Addr: 0x1000})
	for _, tc := range []struct {
		length, want int
	}{
		{10, 10},
		{18, 18},
		{TranslateBufferLen, TranslateBufferLen},
		{2 * TranslateBufferLen, TranslateBufferLen},
		{-1, 0},
	} {
		out := PackTranslation(req, pagetable.MaxPFN, tc.length)
		if len(out) != tc.want {
			t.Fatalf("length %d: expected %d bytes got %d", tc.length, tc.want, len(out))
		}
		if cap(out) != tc.want+1 || out[:cap(out)][tc.want] != 0 {
			t.Fatalf("length %d: terminator missing", tc.length)
		}
	}

	// too short to carry any frame number nibble
	if _, ok := UnpackTranslation(PackTranslation(req, 7, 17)); ok {
		t.Fatal("unpack of a 17 byte response succeeded")
	}
	pfn, ok := UnpackTranslation(PackTranslation(req, pagetable.MaxPFN, TranslateBufferLen))
	if !ok || pfn != pagetable.MaxPFN {
		t.Fatalf("expected %#x got %#x", uint64(pagetable.MaxPFN), uint64(pfn))
	}
}

func TestPackShortRequest(t *testing.T) {
	out := PackTranslation([]byte{1, 2, 3}, 0xf, 20)
	want := []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xf0, 0, 0}
	if !bytes.Equal(out, want) {
		t.Fatalf("expected % x got % x", want, out)
	}
}

func TestParsePid(t *testing.T) {
	for _, tc := range []struct {
		in  string
		pid int
		ok  bool
	}{
		{"42", 42, true},
		{"  7\n", 7, true},
		{"+12abc", 12, true},
		{"0", 0, true},
		{"", 0, false},
		{"abc", 0, false},
		{"-1", 0, false},
		{"+", 0, false},
		{"99999999999", 0, false},
	} {
		pid, err := ParsePid([]byte(tc.in))
		if tc.ok {
			if err != nil || pid != tc.pid {
				t.Fatalf("%q: expected %d got %d (%v)", tc.in, tc.pid, pid, err)
			}
			continue
		}
		var invproc proc.ErrInvalidProcess
		if !errors.As(err, &invproc) {
			t.Fatalf("%q: expected ErrInvalidProcess got %v", tc.in, err)
		}
	}
}

func TestStatus(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
	}{
		{nil, StatusOK},
		{proc.ErrInvalidProcess{Pid: 3}, StatusInvalidArgs},
		{fmt.Errorf("walk: %w", pagetable.ErrInvalidMapping{Addr: 0x1000}), StatusInvalidArgs},
		{ErrBufferFault{Len: 2000, Max: ChainBufferLen}, StatusBufferFault},
		{errors.New("disk on fire"), StatusIO},
	} {
		if got := Status(tc.err); got != tc.status {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.status, got)
		}
	}
}

func TestStatusMessage(t *testing.T) {
	err := ErrBufferFault{Len: 2000, Max: ChainBufferLen}
	msg := StatusMessage(err)
	if msg != "status -14: bad buffer: length 2000, maximum 1000" {
		t.Fatalf("unexpected message %q", msg)
	}
	status, text := StatusFromMessage(msg)
	if status != StatusBufferFault || text != err.Error() {
		t.Fatalf("unexpected status %d %q", status, text)
	}
	if got := Status(StatusError(msg)); got != StatusBufferFault {
		t.Fatalf("status not preserved: %d", got)
	}
	if StatusError(msg).Error() != err.Error() {
		t.Fatalf("message not preserved: %q", StatusError(msg).Error())
	}

	for _, msg := range []string{"plain", "status x: y", "status 3: positive"} {
		if status, text := StatusFromMessage(msg); status != StatusIO || text != msg {
			t.Fatalf("%q: unexpected status %d %q", msg, status, text)
		}
	}
}
