package transport

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
)

var ErrLinkClosed = errors.New("data channel closed")

// Link owns the handler registrations of one data channel. Inbound messages
// are queued in arrival order; nothing else may call OnMessage, OnOpen,
// OnClose or OnError on the channel after Bind.
type Link struct {
	dc       DataChannel
	messages chan webrtc.DataChannelMessage
	opened   chan struct{}
	closed   chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func Bind(dc DataChannel, buffer int) *Link {
	if buffer <= 0 {
		buffer = 1024
	}
	l := &Link{
		dc:       dc,
		messages: make(chan webrtc.DataChannelMessage, buffer),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case l.messages <- msg:
		case <-l.closed:
		}
	})
	dc.OnOpen(l.markOpen)
	dc.OnError(func(err error) { l.shut(err) })
	dc.OnClose(func() { l.shut(nil) })

	switch dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		l.markOpen()
	case webrtc.DataChannelStateClosed:
		l.shut(nil)
	}

	return l
}

func (l *Link) markOpen() {
	l.openOnce.Do(func() { close(l.opened) })
}

func (l *Link) shut(err error) {
	l.mu.Lock()
	if l.err == nil {
		if err == nil {
			err = ErrLinkClosed
		}
		l.err = err
	}
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *Link) Channel() DataChannel { return l.dc }

func (l *Link) Messages() <-chan webrtc.DataChannelMessage { return l.messages }

func (l *Link) Opened() <-chan struct{} { return l.opened }

func (l *Link) Closed() <-chan struct{} { return l.closed }

// Err is the first error seen on the channel, or ErrLinkClosed after a
// clean close. It is nil while the link is up.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) IsOpen() bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	return l.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (l *Link) Close() error {
	err := l.dc.Close()
	l.shut(nil)
	return err
}
