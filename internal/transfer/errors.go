package transfer

import (
	"errors"
	"time"

	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
)

var (
	ErrNoConnection       = errors.New(protocol.ReasonNoConnection)
	ErrChannelClosed      = errors.New("channel closed during transfer")
	ErrCorrupted          = errors.New(protocol.ReasonCorrupted)
	ErrOverrun            = errors.New(protocol.ReasonOverrun)
	ErrTransferInProgress = errors.New("a transfer is already in progress on this session")
	ErrInvalidRange       = errors.New("start byte is outside the file")
)

// RejectedError is the sender's refusal of a request.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Result is the single outcome of RequestFile.
type Result struct {
	SuccessfulBytes int64
	Elapsed         time.Duration
	Err             error
}

func (r Result) OK() bool { return r.Err == nil }

// Reason is the failure text, empty on success.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Callback func(Result)
