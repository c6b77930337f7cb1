package protocol

const (
	HashSize             = 32
	DefaultChunkSize     = 64 * 1024
	DefaultHighWaterMark = 4 * 1024 * 1024

	// DataChannelLabel is the label of the one channel carrying transfers.
	DataChannelLabel    = "fileData"
	DataChannelProtocol = "file-transfer"
)

type MessageType string

const (
	MsgRequest  MessageType = "FileTransferRequest"
	MsgResponse MessageType = "FileTransferResponse"
	// Packets carry no type tag on the wire.
	MsgPacket MessageType = ""
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgResponse:
		return "RESPONSE"
	case MsgPacket:
		return "PACKET"
	default:
		return "UNKNOWN"
	}
}

// Rejection and failure reasons reported to the requesting side.
const (
	ReasonNotFound     = "I don't have the requested file"
	ReasonUnknown      = "Unknown error"
	ReasonNoConnection = "No connection to peer"
	ReasonCorrupted    = "Error writing file or corrupted in transit"
	ReasonOverrun      = "Got more bytes than expected"
	ReasonBusy         = "Another transfer is in progress"
	ReasonBadRange     = "Requested range is outside the file"
)

// Binary packet field numbers.
const (
	fieldStartByte = 1
	fieldData      = 2
)
