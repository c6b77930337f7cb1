// Package transfer runs the chunked file transfer protocol over an open
// data channel: the receiving side pulls one object with a request and the
// sending side streams it back as offset-tagged packets.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

// Store is what a session needs from the content store.
type Store interface {
	Verify(ctx context.Context, d protocol.FileDescriptor) (bool, error)
	Open(ctx context.Context, d protocol.FileDescriptor) (*os.File, error)
	Create(ctx context.Context, d protocol.FileDescriptor, startByte int64) (*store.Staged, error)
}

type Options struct {
	ChunkSize     int
	HighWaterMark uint64
	BinaryPackets bool
	Logger        *logrus.Logger
}

// Session serves requests from the peer and runs at most one download of
// its own. All inbound messages go through one dispatcher goroutine.
type Session struct {
	link  *transport.Link
	store Store
	codec *protocol.Codec
	chunk int
	high  uint64
	log   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	lowCh  chan struct{}
	done   chan struct{}

	sendMu sync.Mutex

	mu         sync.Mutex
	active     *download
	uploading  bool
	onProgress func(received, expected int64)
}

type download struct {
	desc     protocol.FileDescriptor
	start    int64
	end      int64
	received int64
	staged   *store.Staged
	started  time.Time
	cb       Callback
}

func (d *download) expected() int64 { return d.end - d.start }

func NewSession(link *transport.Link, st Store, opts Options) *Session {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = protocol.DefaultChunkSize
	}
	if opts.HighWaterMark == 0 {
		opts.HighWaterMark = protocol.DefaultHighWaterMark
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		link:   link,
		store:  st,
		codec:  protocol.NewCodec(opts.BinaryPackets),
		chunk:  opts.ChunkSize,
		high:   opts.HighWaterMark,
		log:    opts.Logger.WithField("component", "transfer"),
		ctx:    ctx,
		cancel: cancel,
		lowCh:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	dc := link.Channel()
	dc.SetBufferedAmountLowThreshold(s.high / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.lowCh <- struct{}{}:
		default:
		}
	})

	go s.dispatch()
	return s
}

// OnProgress registers f to run after every packet written by a download.
func (s *Session) OnProgress(f func(received, expected int64)) {
	s.mu.Lock()
	s.onProgress = f
	s.mu.Unlock()
}

// Done is closed once the channel is gone and any download has reported.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close closes the channel. A download in flight reports ErrChannelClosed
// with the bytes received so far.
func (s *Session) Close() error {
	return s.link.Close()
}

func (s *Session) dispatch() {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case msg := <-s.link.Messages():
			s.handle(msg)
		case <-s.link.Closed():
			for {
				select {
				case msg := <-s.link.Messages():
					s.handle(msg)
				default:
					s.interrupted()
					return
				}
			}
		}
	}
}

func (s *Session) handle(raw webrtc.DataChannelMessage) {
	msg, err := s.codec.Decode(raw.Data, raw.IsString)
	if err != nil {
		s.log.WithError(err).Debug("Dropping message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Request:
		s.serve(m)
	case *protocol.Response:
		s.handleResponse(m)
	case *protocol.Packet:
		s.handlePacket(m)
	}
}

func (s *Session) send(msg protocol.Message) error {
	data, isString, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if isString {
		return s.link.Channel().SendText(string(data))
	}
	return s.link.Channel().Send(data)
}

// RequestFile pulls d from the peer starting at startByte. cb runs exactly
// once with the outcome unless an error is returned.
func (s *Session) RequestFile(d protocol.FileDescriptor, startByte int64, cb Callback) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if startByte < 0 || startByte > d.Size {
		return fmt.Errorf("%w: %d of %d", ErrInvalidRange, startByte, d.Size)
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrTransferInProgress
	}
	dl := &download{desc: d, start: startByte, end: d.Size, cb: cb}
	s.active = dl
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"file": d.Name, "hash": d.ShortHash()})

	if !s.link.IsOpen() {
		s.finish(dl, Result{Err: ErrNoConnection})
		return nil
	}

	ok, err := s.store.Verify(s.ctx, d)
	if err != nil {
		log.WithError(err).Warn("Failed to check local copy")
	}
	if ok {
		log.Info("Already have the file")
		s.finish(dl, Result{SuccessfulBytes: d.Size})
		_ = s.link.Close()
		return nil
	}

	staged, err := s.store.Create(s.ctx, d, startByte)
	if err != nil {
		if s.release(dl) {
			return fmt.Errorf("preparing download: %w", err)
		}
		return nil
	}
	s.mu.Lock()
	if s.active != dl {
		// The channel closed while preparing and the callback already ran.
		s.mu.Unlock()
		_ = staged.Suspend()
		return nil
	}
	dl.staged = staged
	dl.started = time.Now()
	s.mu.Unlock()

	if err := s.send(&protocol.Request{Info: d, StartByte: startByte, EndByte: d.Size}); err != nil {
		s.fail(dl, fmt.Errorf("%w: %v", ErrChannelClosed, err), keepPartial)
		return nil
	}

	log.WithFields(logrus.Fields{"start": startByte, "end": d.Size}).Info("Requested file")
	return nil
}

func (s *Session) current() *download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// receiving is the active download once its request can have gone out.
// Before that there is nothing to write into.
func (s *Session) receiving() *download {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.staged == nil {
		return nil
	}
	return s.active
}

// release clears dl without reporting.
func (s *Session) release(dl *download) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != dl {
		return false
	}
	s.active = nil
	return true
}

func (s *Session) finish(dl *download, res Result) {
	if !s.release(dl) {
		return
	}
	if dl.cb != nil {
		dl.cb(res)
	}
}

type disposition int

const (
	keepPartial disposition = iota
	dropPartial
)

func (s *Session) fail(dl *download, err error, d disposition) {
	s.mu.Lock()
	staged := dl.staged
	s.mu.Unlock()

	if staged != nil {
		var serr error
		if d == dropPartial {
			serr = staged.Abort()
		} else {
			serr = staged.Suspend()
		}
		if serr != nil {
			s.log.WithError(serr).Warn("Failed to release staged file")
		}
	}
	s.finish(dl, Result{SuccessfulBytes: dl.received, Err: err})
}

func (s *Session) handleResponse(r *protocol.Response) {
	dl := s.receiving()
	if dl == nil || r.Info.Hash != dl.desc.Hash {
		s.log.Debug("Dropping response with no matching request")
		return
	}

	if !r.Accepted {
		s.log.WithField("reason", r.Reason).Warn("Request rejected")
		s.fail(dl, &RejectedError{Reason: r.Reason}, keepPartial)
		_ = s.link.Close()
		return
	}

	s.log.WithField("hash", dl.desc.ShortHash()).Debug("Request accepted")
	if dl.expected() == 0 {
		s.complete(dl)
	}
}

func (s *Session) handlePacket(p *protocol.Packet) {
	dl := s.receiving()
	if dl == nil {
		s.log.Debug("Dropping packet with no download in progress")
		return
	}

	n := int64(len(p.Data))
	dl.received += n
	if dl.received > dl.expected() || p.StartByte < dl.start || p.StartByte+n > dl.end {
		s.log.WithField("received", dl.received).Warn("Peer sent more than requested")
		s.fail(dl, fmt.Errorf("%w. Expected: %d", ErrOverrun, dl.expected()), dropPartial)
		_ = s.link.Close()
		return
	}

	if _, err := dl.staged.WriteAt(p.Data, p.StartByte); err != nil {
		s.log.WithError(err).Error("Failed to write packet")
		s.fail(dl, fmt.Errorf("%w: %v", ErrCorrupted, err), dropPartial)
		_ = s.link.Close()
		return
	}

	s.mu.Lock()
	progress := s.onProgress
	s.mu.Unlock()
	if progress != nil {
		progress(dl.received, dl.expected())
	}

	if dl.received == dl.expected() {
		s.complete(dl)
	}
}

func (s *Session) complete(dl *download) {
	defer func() { _ = s.link.Close() }()

	err := dl.staged.Commit(s.ctx)
	switch {
	case err == nil:
		elapsed := time.Since(dl.started)
		s.log.WithFields(logrus.Fields{
			"hash":    dl.desc.ShortHash(),
			"bytes":   dl.received,
			"elapsed": elapsed,
		}).Info("Download complete")
		s.finish(dl, Result{SuccessfulBytes: dl.received, Elapsed: elapsed})
	case errors.Is(err, store.ErrCorrupted):
		s.log.WithField("hash", dl.desc.ShortHash()).Warn("Downloaded bytes do not match the hash")
		s.finish(dl, Result{SuccessfulBytes: dl.received, Err: ErrCorrupted})
	default:
		s.log.WithError(err).Error("Failed to finalize download")
		s.finish(dl, Result{SuccessfulBytes: dl.received, Err: fmt.Errorf("%w: %v", ErrCorrupted, err)})
	}
}

func (s *Session) interrupted() {
	dl := s.current()
	if dl == nil {
		return
	}
	cause := s.link.Err()
	s.log.WithError(cause).WithField("received", dl.received).Warn("Channel closed during download")
	s.fail(dl, fmt.Errorf("%w: %v", ErrChannelClosed, cause), keepPartial)
}
