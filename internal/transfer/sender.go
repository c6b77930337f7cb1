package transfer

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/sirupsen/logrus"
)

// serve answers a request from the peer. The upload runs on its own
// goroutine so the dispatcher keeps reading while packets go out.
func (s *Session) serve(req *protocol.Request) {
	s.mu.Lock()
	if s.uploading {
		s.mu.Unlock()
		s.log.WithField("hash", req.Info.ShortHash()).Warn("Rejecting request while another upload runs")
		if err := s.send(&protocol.Response{Info: req.Info, Reason: protocol.ReasonBusy}); err != nil {
			s.log.WithError(err).Debug("Failed to send rejection")
		}
		return
	}
	s.uploading = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.uploading = false
			s.mu.Unlock()
		}()
		s.upload(req)
	}()
}

func (s *Session) upload(req *protocol.Request) {
	log := s.log.WithFields(logrus.Fields{"file": req.Info.Name, "hash": req.Info.ShortHash()})

	ok, err := s.store.Verify(s.ctx, req.Info)
	if err != nil {
		log.WithError(err).Error("Failed to verify requested file")
		s.reject(req, protocol.ReasonUnknown)
		return
	}
	if !ok {
		log.Info("Requested file not found")
		s.reject(req, protocol.ReasonNotFound)
		return
	}
	if req.StartByte < 0 || req.StartByte > req.EndByte || req.EndByte > req.Info.Size {
		log.WithFields(logrus.Fields{"start": req.StartByte, "end": req.EndByte}).Warn("Requested range is outside the file")
		s.reject(req, protocol.ReasonBadRange)
		return
	}

	f, err := s.store.Open(s.ctx, req.Info)
	if err != nil {
		log.WithError(err).Error("Failed to open requested file")
		if errors.Is(err, store.ErrNotFound) {
			s.reject(req, protocol.ReasonNotFound)
		} else {
			s.reject(req, protocol.ReasonUnknown)
		}
		return
	}
	defer func() { _ = f.Close() }()

	if err := s.send(&protocol.Response{Info: req.Info, Accepted: true}); err != nil {
		log.WithError(err).Warn("Failed to accept request")
		return
	}

	started := time.Now()
	if err := s.stream(f, req.StartByte, req.EndByte); err != nil {
		// The receiver only learns of the failure when the channel closes.
		log.WithError(err).Warn("Upload stopped")
		s.closeWhenFlushed()
		return
	}
	log.WithFields(logrus.Fields{
		"bytes":   req.EndByte - req.StartByte,
		"elapsed": time.Since(started),
	}).Info("Upload complete")
}

func (s *Session) stream(r io.ReaderAt, start, end int64) error {
	buf := make([]byte, s.chunk)

	for off := start; off < end; {
		n := int64(s.chunk)
		if end-off < n {
			n = end - off
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("reading at %d: %w", off, err)
		}

		if err := s.waitForRoom(); err != nil {
			return err
		}
		if err := s.send(&protocol.Packet{StartByte: off, Data: buf[:n]}); err != nil {
			return fmt.Errorf("sending packet at %d: %w", off, err)
		}
		off += n
	}
	return nil
}

// waitForRoom blocks while more than the high-water mark is buffered on
// the channel.
func (s *Session) waitForRoom() error {
	for s.link.Channel().BufferedAmount() > s.high {
		select {
		case <-s.lowCh:
		case <-s.link.Closed():
			return ErrChannelClosed
		}
	}
	return nil
}

func (s *Session) reject(req *protocol.Request, reason string) {
	if err := s.send(&protocol.Response{Info: req.Info, Reason: reason}); err != nil {
		s.log.WithError(err).Debug("Failed to send rejection")
	}
	s.closeWhenFlushed()
}

// closeWhenFlushed closes the channel once everything sent has left it.
func (s *Session) closeWhenFlushed() {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()

	for s.link.Channel().BufferedAmount() > 0 {
		select {
		case <-t.C:
		case <-s.link.Closed():
			return
		}
	}
	_ = s.link.Close()
}
