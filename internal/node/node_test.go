package node_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/node"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/relay"
	"github.com/rudransh-shrivastava/peerdrop/internal/signaling"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/rudransh-shrivastava/peerdrop/internal/transfer"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport/loopback"
)

const fileSize = 10_000_000

type env struct {
	net   *loopback.Network
	alice *node.Node
	bob   *node.Node
}

func startRelay(t *testing.T) string {
	t.Helper()

	srv, err := relay.NewHandler(relay.Config{Path: "/ws", Mode: "test", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newNode(t *testing.T, url string, net *loopback.Network, chunk int) *node.Node {
	t.Helper()

	st, err := store.New(store.Options{Dir: t.TempDir(), Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	n, err := node.New(node.Options{
		Store:           st,
		Signaling:       node.RelaySignaling{URL: url, Logger: logger.Discard()},
		PeerConnections: net,
		Transfer: transfer.Options{
			ChunkSize:     chunk,
			HighWaterMark: protocol.DefaultHighWaterMark,
			BinaryPackets: true,
		},
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("node.New failed: %v", err)
	}
	return n
}

func setup(t *testing.T, chunk int) *env {
	t.Helper()

	url := startRelay(t)
	net := loopback.NewNetwork()
	return &env{
		net:   net,
		alice: newNode(t, url, net, chunk),
		bob:   newNode(t, url, net, chunk),
	}
}

// connect opens alice<->bob and waits for both ends.
func (e *env) connect(t *testing.T) (*node.Session, *node.Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sa, err := e.alice.Connect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(sa.Close)
	sb, err := e.bob.Connect(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(sb.Close)

	for _, s := range []*node.Session{sa, sb} {
		if err := s.WaitConnected(ctx); err != nil {
			t.Fatalf("WaitConnected failed: %v", err)
		}
	}
	return sa, sb
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func request(t *testing.T, s *node.Session, d protocol.FileDescriptor, start int64) transfer.Result {
	t.Helper()

	results := make(chan transfer.Result, 2)
	if err := s.RequestFile(d, start, func(r transfer.Result) { results <- r }); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}

	var r transfer.Result
	select {
	case r = <-results:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for transfer result")
	}

	select {
	case extra := <-results:
		t.Fatalf("callback ran twice, second result %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	return r
}

func waitClosed(t *testing.T, s *node.Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("session did not close: %v", err)
	}
}

func TestTransferEndToEnd(t *testing.T) {
	e := setup(t, protocol.DefaultChunkSize)
	ctx := context.Background()

	data := randomBytes(fileSize)
	d, err := e.alice.StoreFile(ctx, bytes.NewReader(data), "video.bin")
	if err != nil {
		t.Fatalf("StoreFile failed: %v", err)
	}
	if have, _ := e.bob.HaveFile(ctx, d); have {
		t.Fatal("bob should not have the file yet")
	}

	_, sb := e.connect(t)
	r := request(t, sb, d, 0)
	if !r.OK() {
		t.Fatalf("transfer failed: %v", r.Err)
	}
	if r.SuccessfulBytes != fileSize {
		t.Errorf("expected %d bytes, got %d", fileSize, r.SuccessfulBytes)
	}
	if r.Elapsed <= 0 {
		t.Errorf("expected positive elapsed time, got %v", r.Elapsed)
	}

	f, err := e.bob.Store().Open(ctx, d)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = f.Close() }()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received bytes differ from the original")
	}
	if have, _ := e.bob.HaveFile(ctx, d); !have {
		t.Error("bob should have a verified copy")
	}

	waitClosed(t, sb)
}

func TestTransferAlreadyHave(t *testing.T) {
	e := setup(t, protocol.DefaultChunkSize)
	ctx := context.Background()

	data := randomBytes(100_000)
	d, _ := e.alice.StoreFile(ctx, bytes.NewReader(data), "a.bin")
	if _, err := e.bob.StoreFile(ctx, bytes.NewReader(data), "b.bin"); err != nil {
		t.Fatalf("StoreFile failed: %v", err)
	}

	_, sb := e.connect(t)
	r := request(t, sb, d, 0)
	if !r.OK() || r.SuccessfulBytes != d.Size || r.Elapsed != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
	if got := e.net.Sent(); got != 0 {
		t.Errorf("expected no channel sends, got %d", got)
	}
}

func TestTransferPeerLacksFile(t *testing.T) {
	e := setup(t, protocol.DefaultChunkSize)
	ctx := context.Background()

	// Only bob's scratch store knows the descriptor.
	scratch, err := store.New(store.Options{Dir: t.TempDir(), Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	defer func() { _ = scratch.Close() }()
	d, _ := scratch.Put(ctx, bytes.NewReader(randomBytes(5000)), "missing.bin")

	sa, sb := e.connect(t)
	r := request(t, sb, d, 0)
	if r.SuccessfulBytes != 0 || r.Reason() != protocol.ReasonNotFound {
		t.Fatalf("unexpected result %+v", r)
	}
	waitClosed(t, sa)
	waitClosed(t, sb)
}

func TestTransferInterrupted(t *testing.T) {
	e := setup(t, 40_000)
	ctx := context.Background()

	d, err := e.alice.StoreFile(ctx, bytes.NewReader(randomBytes(fileSize)), "big.bin")
	if err != nil {
		t.Fatalf("StoreFile failed: %v", err)
	}

	_, sb := e.connect(t)
	// Request and response, then 100 packets of 40000 bytes.
	e.net.FailAfter(102)

	r := request(t, sb, d, 0)
	if r.OK() || r.Reason() == "" {
		t.Fatalf("expected a failure, got %+v", r)
	}
	if r.SuccessfulBytes != 4_000_000 {
		t.Errorf("expected 4000000 bytes, got %d", r.SuccessfulBytes)
	}

	kept, err := e.bob.Store().Partial(d)
	if err != nil || kept != 4_000_000 {
		t.Errorf("expected 4000000 bytes kept for resume, got %d (%v)", kept, err)
	}
}

func TestRequestBeforeConnected(t *testing.T) {
	e := setup(t, protocol.DefaultChunkSize)
	ctx := context.Background()

	d, _ := e.alice.StoreFile(ctx, bytes.NewReader(randomBytes(1000)), "x.bin")
	sb, err := e.bob.Connect(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sb.Close()

	r := request(t, sb, d, 0)
	if !errors.Is(r.Err, transfer.ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", r.Err)
	}
}

func TestConnectRelayUnavailable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	n := newNode(t, url, loopback.NewNetwork(), protocol.DefaultChunkSize)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := n.Connect(ctx, "alice", "bob"); !errors.Is(err, signaling.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
