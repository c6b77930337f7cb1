package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidMessage = errors.New("invalid message")

// Codec maps transfer messages to data channel frames. Control messages are
// JSON text frames with a "type" tag. Packets are either binary protowire
// frames or untagged JSON text frames with URL-safe base64 data.
type Codec struct {
	BinaryPackets bool
}

func NewCodec(binaryPackets bool) *Codec {
	return &Codec{BinaryPackets: binaryPackets}
}

type packetJSON struct {
	StartByte  *int64  `json:"startByte"`
	DataBase64 *string `json:"dataBase64"`
}

// Encode returns the frame bytes and whether they must be sent as text.
func (c *Codec) Encode(msg Message) ([]byte, bool, error) {
	switch m := msg.(type) {
	case *Request:
		data, err := json.Marshal(struct {
			Type MessageType `json:"type"`
			*Request
		}{MsgRequest, m})
		return data, true, err
	case *Response:
		data, err := json.Marshal(struct {
			Type MessageType `json:"type"`
			*Response
		}{MsgResponse, m})
		return data, true, err
	case *Packet:
		if c.BinaryPackets {
			return appendPacket(make([]byte, 0, len(m.Data)+24), m), false, nil
		}
		encoded := base64.RawURLEncoding.EncodeToString(m.Data)
		start := m.StartByte
		data, err := json.Marshal(packetJSON{StartByte: &start, DataBase64: &encoded})
		return data, true, err
	default:
		return nil, false, fmt.Errorf("%w: cannot encode %T", ErrInvalidMessage, msg)
	}
}

func (c *Codec) Decode(data []byte, isString bool) (Message, error) {
	if !isString {
		return decodePacket(data)
	}

	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch head.Type {
	case MsgRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if req.StartByte < 0 || req.EndByte < req.StartByte {
			return nil, fmt.Errorf("%w: bad range [%d, %d)", ErrInvalidMessage, req.StartByte, req.EndByte)
		}
		return &req, nil
	case MsgResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &res, nil
	case MsgPacket:
		var pj packetJSON
		if err := json.Unmarshal(data, &pj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if pj.StartByte == nil || pj.DataBase64 == nil {
			return nil, fmt.Errorf("%w: untagged message is not a packet", ErrInvalidMessage)
		}
		if *pj.StartByte < 0 {
			return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidMessage, *pj.StartByte)
		}
		raw, err := base64.RawURLEncoding.DecodeString(*pj.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &Packet{StartByte: *pj.StartByte, Data: raw}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, head.Type)
	}
}

func appendPacket(b []byte, p *Packet) []byte {
	b = protowire.AppendTag(b, fieldStartByte, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.StartByte))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Data)
	return b
}

func decodePacket(b []byte) (*Packet, error) {
	var p Packet
	var haveStart bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldStartByte && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			p.StartByte = int64(v)
			haveStart = true
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			p.Data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !haveStart || p.StartByte < 0 {
		return nil, fmt.Errorf("%w: packet without a valid offset", ErrInvalidMessage)
	}
	return &p, nil
}
