package transfer_test

import (
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
)

// rawPeer speaks the wire protocol directly, for driving a session into
// states a well-behaved peer never would.
type rawPeer struct {
	t     *testing.T
	link  *transport.Link
	codec *protocol.Codec
}

func newRawPeer(t *testing.T, link *transport.Link) *rawPeer {
	return &rawPeer{t: t, link: link, codec: protocol.NewCodec(true)}
}

func (p *rawPeer) send(msg protocol.Message) {
	p.t.Helper()

	data, isString, err := p.codec.Encode(msg)
	if err != nil {
		p.t.Fatalf("Encode failed: %v", err)
	}
	if isString {
		err = p.link.Channel().SendText(string(data))
	} else {
		err = p.link.Channel().Send(data)
	}
	if err != nil {
		p.t.Fatalf("send failed: %v", err)
	}
}

func (p *rawPeer) next() protocol.Message {
	p.t.Helper()

	select {
	case raw := <-p.link.Messages():
		msg, err := p.codec.Decode(raw.Data, raw.IsString)
		if err != nil {
			p.t.Fatalf("Decode failed: %v", err)
		}
		return msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for a message")
	}
	return nil
}

func (p *rawPeer) expectRequest() *protocol.Request {
	p.t.Helper()
	msg := p.next()
	req, ok := msg.(*protocol.Request)
	if !ok {
		p.t.Fatalf("expected request, got %T", msg)
	}
	return req
}

func (p *rawPeer) expectResponse() *protocol.Response {
	p.t.Helper()
	msg := p.next()
	res, ok := msg.(*protocol.Response)
	if !ok {
		p.t.Fatalf("expected response, got %T", msg)
	}
	return res
}

func (p *rawPeer) expectPacket() *protocol.Packet {
	p.t.Helper()
	msg := p.next()
	pkt, ok := msg.(*protocol.Packet)
	if !ok {
		p.t.Fatalf("expected packet, got %T", msg)
	}
	return pkt
}
