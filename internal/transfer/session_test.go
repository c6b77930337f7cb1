package transfer_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/rudransh-shrivastava/peerdrop/internal/transfer"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport/loopback"
)

func openLinks(t *testing.T, n *loopback.Network) (*transport.Link, *transport.Link) {
	t.Helper()

	pa, _ := n.NewPeerConnection()
	pb, _ := n.NewPeerConnection()

	remote := make(chan *transport.Link, 1)
	pb.OnDataChannel(func(dc transport.DataChannel) { remote <- transport.Bind(dc, 64) })

	dc, err := pa.CreateDataChannel()
	if err != nil {
		t.Fatalf("CreateDataChannel failed: %v", err)
	}
	local := transport.Bind(dc, 64)

	offer, _ := pa.CreateOffer()
	_ = pa.SetLocalDescription(offer)
	_ = pb.SetRemoteDescription(offer)
	answer, _ := pb.CreateAnswer()
	_ = pb.SetLocalDescription(answer)
	if err := pa.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}

	var r *transport.Link
	select {
	case r = <-remote:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote channel")
	}
	for _, l := range []*transport.Link{local, r} {
		select {
		case <-l.Opened():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for open")
		}
	}
	t.Cleanup(func() {
		_ = local.Close()
		_ = r.Close()
	})
	return local, r
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.New(store.Options{Dir: t.TempDir(), Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func put(t *testing.T, st *store.Store, data []byte) protocol.FileDescriptor {
	t.Helper()

	d, err := st.Put(context.Background(), bytes.NewReader(data), "payload.bin")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return d
}

func describe(data []byte) protocol.FileDescriptor {
	sum := sha256.Sum256(data)
	return protocol.FileDescriptor{
		Name:     "payload.bin",
		Size:     int64(len(data)),
		MimeType: "application/octet-stream",
		Hash:     hex.EncodeToString(sum[:]),
	}
}

func options(chunk int, high uint64) transfer.Options {
	return transfer.Options{
		ChunkSize:     chunk,
		HighWaterMark: high,
		BinaryPackets: true,
		Logger:        logger.Discard(),
	}
}

func waitResult(t *testing.T, results <-chan transfer.Result) transfer.Result {
	t.Helper()

	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for transfer result")
	}
	return transfer.Result{}
}

func waitDone(t *testing.T, s *transfer.Session) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

// gatedStore holds Verify until release is closed.
type gatedStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(st *store.Store) *gatedStore {
	return &gatedStore{Store: st, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedStore) Verify(ctx context.Context, d protocol.FileDescriptor) (bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.Verify(ctx, d)
}

// truncatingStore cuts the object short right after the sender opens it,
// so reads past keep bytes fail.
type truncatingStore struct {
	*store.Store
	keep int64
}

func (s *truncatingStore) Open(ctx context.Context, d protocol.FileDescriptor) (*os.File, error) {
	f, err := s.Store.Open(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(f.Name(), s.keep); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func TestTransferSuccess(t *testing.T) {
	tests := []struct {
		name   string
		binary bool
		size   int
	}{
		{"binary packets", true, 1_000_000},
		{"text packets", false, 300_000},
		{"empty file", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			la, lb := openLinks(t, loopback.NewNetwork())
			src, dst := setupStore(t), setupStore(t)
			data := randomBytes(tt.size)
			d := put(t, src, data)

			opts := options(protocol.DefaultChunkSize, protocol.DefaultHighWaterMark)
			opts.BinaryPackets = tt.binary
			_ = transfer.NewSession(la, src, opts)
			receiver := transfer.NewSession(lb, dst, opts)

			var last int64
			receiver.OnProgress(func(received, expected int64) {
				if expected != d.Size {
					t.Errorf("expected total %d, got %d", d.Size, expected)
				}
				last = received
			})

			results := make(chan transfer.Result, 1)
			if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
				t.Fatalf("RequestFile failed: %v", err)
			}

			r := waitResult(t, results)
			if !r.OK() {
				t.Fatalf("transfer failed: %v", r.Err)
			}
			if r.SuccessfulBytes != d.Size {
				t.Errorf("expected %d bytes, got %d", d.Size, r.SuccessfulBytes)
			}
			if r.Elapsed <= 0 {
				t.Errorf("expected positive elapsed time, got %v", r.Elapsed)
			}
			if last != d.Size && d.Size > 0 {
				t.Errorf("last progress %d, expected %d", last, d.Size)
			}

			ok, err := dst.Verify(context.Background(), d)
			if err != nil || !ok {
				t.Fatalf("received object does not verify: %v", err)
			}
			waitDone(t, receiver)
		})
	}
}

func TestTransferNotFound(t *testing.T) {
	la, lb := openLinks(t, loopback.NewNetwork())
	src, dst := setupStore(t), setupStore(t)
	d := describe(randomBytes(5000))

	sender := transfer.NewSession(la, src, options(1024, 4096))
	receiver := transfer.NewSession(lb, dst, options(1024, 4096))

	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	r := waitResult(t, results)
	var rejected *transfer.RejectedError
	if !errors.As(r.Err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", r.Err)
	}
	if r.Reason() != protocol.ReasonNotFound {
		t.Errorf("expected %q, got %q", protocol.ReasonNotFound, r.Reason())
	}
	if r.SuccessfulBytes != 0 {
		t.Errorf("expected 0 bytes, got %d", r.SuccessfulBytes)
	}

	waitDone(t, sender)
	waitDone(t, receiver)
}

func TestTransferFastPath(t *testing.T) {
	n := loopback.NewNetwork()
	la, lb := openLinks(t, n)
	src, dst := setupStore(t), setupStore(t)
	data := randomBytes(10_000)
	d := put(t, src, data)
	put(t, dst, data)

	_ = transfer.NewSession(la, src, options(1024, 4096))
	receiver := transfer.NewSession(lb, dst, options(1024, 4096))

	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	r := waitResult(t, results)
	if !r.OK() || r.SuccessfulBytes != d.Size || r.Elapsed != 0 {
		t.Fatalf("unexpected fast path result %+v", r)
	}
	if got := n.Sent(); got != 0 {
		t.Errorf("expected no channel sends, got %d", got)
	}
	waitDone(t, receiver)
}

func TestTransferNoConnection(t *testing.T) {
	_, lb := openLinks(t, loopback.NewNetwork())
	dst := setupStore(t)
	d := describe(randomBytes(100))

	receiver := transfer.NewSession(lb, dst, options(1024, 4096))
	_ = receiver.Close()
	waitDone(t, receiver)

	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	r := waitResult(t, results)
	if !errors.Is(r.Err, transfer.ErrNoConnection) || r.Reason() != protocol.ReasonNoConnection {
		t.Fatalf("expected no connection, got %v", r.Err)
	}
}

func TestRequestFileCallerErrors(t *testing.T) {
	la, lb := openLinks(t, loopback.NewNetwork())
	src, dst := setupStore(t), setupStore(t)
	d := put(t, src, randomBytes(10_000))

	gated := newGatedStore(src)
	defer close(gated.release)
	_ = transfer.NewSession(la, gated, options(1024, 4096))
	receiver := transfer.NewSession(lb, dst, options(1024, 4096))

	if err := receiver.RequestFile(d, d.Size+1, nil); !errors.Is(err, transfer.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	bad := d
	bad.Hash = "not-a-hash"
	if err := receiver.RequestFile(bad, 0, nil); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	if err := receiver.RequestFile(d, 0, func(transfer.Result) {}); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	<-gated.entered
	if err := receiver.RequestFile(d, 0, nil); !errors.Is(err, transfer.ErrTransferInProgress) {
		t.Fatalf("expected ErrTransferInProgress, got %v", err)
	}
}

func TestTransferOverrun(t *testing.T) {
	la, lb := openLinks(t, loopback.NewNetwork())
	dst := setupStore(t)
	data := randomBytes(10)
	d := describe(data)

	receiver := transfer.NewSession(lb, dst, options(1024, 4096))
	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	peer := newRawPeer(t, la)
	req := peer.expectRequest()
	peer.send(&protocol.Response{Info: req.Info, Accepted: true})
	peer.send(&protocol.Packet{StartByte: 0, Data: append(data, 0xAA, 0xBB)})

	r := waitResult(t, results)
	if !errors.Is(r.Err, transfer.ErrOverrun) {
		t.Fatalf("expected ErrOverrun, got %v", r.Err)
	}
	if !strings.Contains(r.Reason(), "Expected: 10") {
		t.Errorf("reason should name the expected size, got %q", r.Reason())
	}
	waitDone(t, receiver)

	if n, _ := dst.Partial(d); n != 0 {
		t.Errorf("overrun should drop partial bytes, %d left", n)
	}
}

func TestTransferCorrupted(t *testing.T) {
	la, lb := openLinks(t, loopback.NewNetwork())
	dst := setupStore(t)
	data := randomBytes(10)
	d := describe(data)

	receiver := transfer.NewSession(lb, dst, options(1024, 4096))
	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	peer := newRawPeer(t, la)
	req := peer.expectRequest()
	peer.send(&protocol.Response{Info: req.Info, Accepted: true})
	peer.send(&protocol.Packet{StartByte: 5, Data: make([]byte, 5)})
	peer.send(&protocol.Packet{StartByte: 0, Data: data[:5]})

	r := waitResult(t, results)
	if !errors.Is(r.Err, transfer.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", r.Err)
	}
	if r.SuccessfulBytes != 10 {
		t.Errorf("expected 10 bytes reported, got %d", r.SuccessfulBytes)
	}
	if ok, _ := dst.Verify(context.Background(), d); ok {
		t.Error("corrupted object must not verify")
	}
	if n, _ := dst.Partial(d); n != 0 {
		t.Errorf("corruption should drop partial bytes, %d left", n)
	}
}

func TestTransferBackpressure(t *testing.T) {
	n := loopback.NewNetwork()
	la, lb := openLinks(t, n)
	src, dst := setupStore(t), setupStore(t)
	d := put(t, src, randomBytes(20_000))

	const high = 4000
	gated := newGatedStore(src)
	_ = transfer.NewSession(la, gated, options(1000, high))
	receiver := transfer.NewSession(lb, dst, options(1000, high))

	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	<-gated.entered
	n.Hold()
	close(gated.release)

	// Request, response, then packets until more than the mark is buffered.
	deadline := time.Now().Add(5 * time.Second)
	for n.Sent() < 6 {
		if time.Now().After(deadline) {
			t.Fatalf("sender stalled early at %d sends", n.Sent())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := n.Sent(); got != 6 {
		t.Fatalf("expected sending to pause after 6 messages, got %d", got)
	}
	if buffered := la.Channel().BufferedAmount(); buffered <= high {
		t.Fatalf("expected more than %d buffered while paused, got %d", high, buffered)
	}

	n.Release()

	r := waitResult(t, results)
	if !r.OK() || r.SuccessfulBytes != d.Size {
		t.Fatalf("unexpected result %+v", r)
	}
	if got := n.Sent(); got != 2+20 {
		t.Errorf("expected 22 messages in total, got %d", got)
	}
}

func TestSenderRejectsConcurrentRequest(t *testing.T) {
	la, lb := openLinks(t, loopback.NewNetwork())
	src := setupStore(t)
	d := put(t, src, randomBytes(3000))

	gated := newGatedStore(src)
	_ = transfer.NewSession(la, gated, options(1000, 4096))

	peer := newRawPeer(t, lb)
	peer.send(&protocol.Request{Info: d, StartByte: 0, EndByte: d.Size})
	<-gated.entered
	peer.send(&protocol.Request{Info: d, StartByte: 0, EndByte: d.Size})

	res := peer.expectResponse()
	if res.Accepted || res.Reason != protocol.ReasonBusy {
		t.Fatalf("expected busy rejection, got %+v", res)
	}

	close(gated.release)
	res = peer.expectResponse()
	if !res.Accepted {
		t.Fatalf("first request should be accepted, got %+v", res)
	}

	var got int64
	for got < d.Size {
		p := peer.expectPacket()
		got += int64(len(p.Data))
	}
	if got != d.Size {
		t.Errorf("expected %d bytes, got %d", d.Size, got)
	}
}

func TestTransferInterruptedThenResumed(t *testing.T) {
	src, dst := setupStore(t), setupStore(t)
	d := put(t, src, randomBytes(1_000_000))

	n := loopback.NewNetwork()
	la, lb := openLinks(t, n)
	_ = transfer.NewSession(la, src, options(10_000, protocol.DefaultHighWaterMark))
	receiver := transfer.NewSession(lb, dst, options(10_000, protocol.DefaultHighWaterMark))

	// Request and response, then 40 packets get through.
	n.FailAfter(42)

	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	r := waitResult(t, results)
	if !errors.Is(r.Err, transfer.ErrChannelClosed) || r.Reason() == "" {
		t.Fatalf("expected channel failure, got %v", r.Err)
	}
	if r.SuccessfulBytes != 400_000 {
		t.Fatalf("expected 400000 bytes, got %d", r.SuccessfulBytes)
	}
	waitDone(t, receiver)

	kept, err := dst.Partial(d)
	if err != nil || kept != 400_000 {
		t.Fatalf("expected 400000 partial bytes, got %d (%v)", kept, err)
	}

	la2, lb2 := openLinks(t, loopback.NewNetwork())
	_ = transfer.NewSession(la2, src, options(10_000, protocol.DefaultHighWaterMark))
	resumed := transfer.NewSession(lb2, dst, options(10_000, protocol.DefaultHighWaterMark))
	if err := resumed.RequestFile(d, kept, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	r = waitResult(t, results)
	if !r.OK() || r.SuccessfulBytes != 600_000 {
		t.Fatalf("unexpected resume result %+v", r)
	}
	if ok, _ := dst.Verify(context.Background(), d); !ok {
		t.Fatal("resumed object does not verify")
	}
}

func TestReceiverDropsMessagesBeforeRequest(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"packet", 10},
		{"accepting response for empty file", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			la, lb := openLinks(t, loopback.NewNetwork())
			data := randomBytes(tt.size)
			d := describe(data)

			gated := newGatedStore(setupStore(t))
			receiver := transfer.NewSession(lb, gated, options(1024, 4096))

			results := make(chan transfer.Result, 1)
			errs := make(chan error, 1)
			go func() {
				errs <- receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r })
			}()
			<-gated.entered

			// Nothing has been requested yet; these must be ignored.
			peer := newRawPeer(t, la)
			peer.send(&protocol.Packet{StartByte: 0})
			peer.send(&protocol.Response{Info: d, Accepted: true})
			time.Sleep(50 * time.Millisecond)
			close(gated.release)

			if err := <-errs; err != nil {
				t.Fatalf("RequestFile failed: %v", err)
			}
			req := peer.expectRequest()
			peer.send(&protocol.Response{Info: req.Info, Accepted: true})
			if len(data) > 0 {
				peer.send(&protocol.Packet{StartByte: 0, Data: data})
			}

			r := waitResult(t, results)
			if !r.OK() || r.SuccessfulBytes != int64(tt.size) {
				t.Fatalf("unexpected result %+v", r)
			}
		})
	}
}

func TestSenderRejectsBadRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
	}{
		{"negative start", -1, 100},
		{"start after end", 200, 100},
		{"end past size", 0, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			la, lb := openLinks(t, loopback.NewNetwork())
			src := setupStore(t)
			d := put(t, src, randomBytes(3000))
			sender := transfer.NewSession(la, src, options(1000, 4096))

			peer := newRawPeer(t, lb)
			peer.send(&protocol.Request{Info: d, StartByte: tt.start, EndByte: tt.end})

			res := peer.expectResponse()
			if res.Accepted || res.Reason != protocol.ReasonBadRange {
				t.Fatalf("expected bad range rejection, got %+v", res)
			}
			waitDone(t, sender)
		})
	}
}

func TestSenderReadFailureClosesChannel(t *testing.T) {
	la, lb := openLinks(t, loopback.NewNetwork())
	src, dst := setupStore(t), setupStore(t)
	d := put(t, src, randomBytes(20_000))

	_ = transfer.NewSession(la, &truncatingStore{Store: src, keep: 5000}, options(1000, 4096))
	receiver := transfer.NewSession(lb, dst, options(1000, 4096))

	results := make(chan transfer.Result, 1)
	if err := receiver.RequestFile(d, 0, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	r := waitResult(t, results)
	if !errors.Is(r.Err, transfer.ErrChannelClosed) {
		t.Fatalf("expected channel failure, got %v", r.Err)
	}
	if r.SuccessfulBytes != 5000 {
		t.Errorf("expected 5000 bytes, got %d", r.SuccessfulBytes)
	}
	waitDone(t, receiver)

	if kept, _ := dst.Partial(d); kept != 5000 {
		t.Errorf("expected 5000 bytes kept for resume, got %d", kept)
	}
}
