package protocol

import (
	"encoding/hex"
	"fmt"
)

type Message interface {
	Type() MessageType
}

// FileDescriptor identifies stored bytes by their SHA-256 digest. Two
// descriptors with the same Hash refer to the same bytes whatever their Name.
type FileDescriptor struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	Hash     string `json:"hash"`
}

func (d FileDescriptor) Validate() error {
	if d.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidMessage, d.Size)
	}
	raw, err := hex.DecodeString(d.Hash)
	if err != nil || len(raw) != HashSize {
		return fmt.Errorf("%w: bad hash %q", ErrInvalidMessage, d.Hash)
	}
	return nil
}

func (d FileDescriptor) ShortHash() string {
	if len(d.Hash) <= 12 {
		return d.Hash
	}
	return d.Hash[:12]
}

type Request struct {
	Info      FileDescriptor `json:"info"`
	StartByte int64          `json:"startByte"`
	EndByte   int64          `json:"endByte"`
}

func (Request) Type() MessageType { return MsgRequest }

type Response struct {
	Info     FileDescriptor `json:"info"`
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
}

func (Response) Type() MessageType { return MsgResponse }

// Packet carries bytes [StartByte, StartByte+len(Data)) of the requested object.
type Packet struct {
	StartByte int64
	Data      []byte
}

func (Packet) Type() MessageType { return MsgPacket }
