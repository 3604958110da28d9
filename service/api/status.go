package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc"
)

// Status codes returned to callers of the buffer interface.
const (
	StatusOK            = 0
	StatusIO            = -5
	StatusBufferFault   = -14
	StatusInvalidArgs   = -22
	statusMessagePrefix = "status "
)

// ErrBufferFault is returned when a caller buffer is larger than the
// interface accepts or shorter than the length it claims.
type ErrBufferFault struct {
	Len int
	Max int
}

func (e ErrBufferFault) Error() string {
	return fmt.Sprintf("bad buffer: length %d, maximum %d", e.Len, e.Max)
}

// Status maps err to the status code reported to callers.
func Status(err error) int {
	if err == nil {
		return StatusOK
	}
	var (
		invproc proc.ErrInvalidProcess
		invmap  pagetable.ErrInvalidMapping
		fault   ErrBufferFault
		serr    statusError
	)
	switch {
	case errors.As(err, &serr):
		return serr.status
	case errors.As(err, &invproc), errors.As(err, &invmap):
		return StatusInvalidArgs
	case errors.As(err, &fault):
		return StatusBufferFault
	}
	return StatusIO
}

// StatusMessage formats err for transmission, prefixing it with its status
// code. The status is recovered on the other side by StatusFromMessage.
func StatusMessage(err error) string {
	return fmt.Sprintf("%s%d: %v", statusMessagePrefix, Status(err), err)
}

// StatusFromMessage parses a message produced by StatusMessage. Messages
// without a status are reported as StatusIO.
func StatusFromMessage(msg string) (int, string) {
	if !strings.HasPrefix(msg, statusMessagePrefix) {
		return StatusIO, msg
	}
	rest := msg[len(statusMessagePrefix):]
	colon := strings.Index(rest, ": ")
	if colon < 0 {
		return StatusIO, msg
	}
	status, err := strconv.Atoi(rest[:colon])
	if err != nil || status > 0 {
		return StatusIO, msg
	}
	return status, rest[colon+2:]
}

// StatusError returns an error carrying the status and message decoded
// from msg. Status(StatusError(StatusMessage(err))) equals Status(err).
func StatusError(msg string) error {
	status, text := StatusFromMessage(msg)
	return statusError{status: status, msg: text}
}

type statusError struct {
	status int
	msg    string
}

func (e statusError) Error() string {
	return e.msg
}
