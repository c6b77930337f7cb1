// Package store keeps file bytes on disk keyed by their SHA-256 digest.
package store

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peerdrop/internal/db"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const sniffLen = 3072

var (
	ErrNotFound  = errors.New("object not found")
	ErrCorrupted = errors.New("object corrupted")
	ErrBusy      = errors.New("object is already being received")
	ErrNoPartial = errors.New("no partial data to resume from")
)

type Options struct {
	Dir    string
	Logger *logrus.Logger
}

type Store struct {
	dir   string
	gdb   *gorm.DB
	index ObjectIndex
	log   *logrus.Entry

	mu        sync.Mutex
	receiving map[string]bool
}

func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("store directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	for _, sub := range []string{"objects", "staging"} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", sub, err)
		}
	}

	gdb, err := db.Open(filepath.Join(opts.Dir, "index.db"))
	if err != nil {
		return nil, err
	}

	return &Store{
		dir:       opts.Dir,
		gdb:       gdb,
		index:     NewIndex(gdb),
		log:       opts.Logger.WithField("component", "store"),
		receiving: make(map[string]bool),
	}, nil
}

func (s *Store) Close() error {
	return db.Close(s.gdb)
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.dir, "objects", hash)
}

func (s *Store) partialPath(hash string) string {
	return filepath.Join(s.dir, "staging", hash+".partial")
}

func (s *Store) pendingPath(hash string) string {
	return filepath.Join(s.dir, "staging", hash+".json")
}

// Put streams r into the store once, hashing while writing. The object only
// becomes visible under its digest after the bytes are synced.
func (s *Store) Put(ctx context.Context, r io.Reader, name string) (protocol.FileDescriptor, error) {
	tmpPath := filepath.Join(s.dir, "staging", uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("creating staging file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return protocol.FileDescriptor{}, fmt.Errorf("reading input: %w", err)
	}
	mime := mimetype.Detect(head).String()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: br})
	if err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("writing object: %w", err)
	}
	if err := f.Sync(); err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("syncing object: %w", err)
	}
	if err := f.Close(); err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("closing object: %w", err)
	}
	committed = true

	if name != "" {
		name = filepath.Base(name)
	}
	d := protocol.FileDescriptor{
		Name:     name,
		Size:     size,
		MimeType: mime,
		Hash:     hex.EncodeToString(h.Sum(nil)),
	}

	if err := s.promote(tmpPath, d.Hash); err != nil {
		return protocol.FileDescriptor{}, err
	}
	if err := s.record(ctx, d); err != nil {
		return protocol.FileDescriptor{}, err
	}

	s.log.WithFields(logrus.Fields{"hash": d.ShortHash(), "size": d.Size, "type": d.MimeType}).Info("Stored object")
	return d, nil
}

// promote moves a fully written file to objects/<hash>, or discards it when
// an identical object is already there.
func (s *Store) promote(path, hash string) error {
	final := s.objectPath(hash)
	if _, err := os.Stat(final); err == nil {
		return os.Remove(path)
	}
	if err := os.Rename(path, final); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("finalizing object: %w", err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, d protocol.FileDescriptor) error {
	err := s.index.Upsert(ctx, db.Object{
		Hash:      d.Hash,
		Name:      d.Name,
		Size:      d.Size,
		MimeType:  d.MimeType,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("indexing object: %w", err)
	}
	return nil
}

func (s *Store) Open(ctx context.Context, d protocol.FileDescriptor) (*os.File, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.objectPath(d.Hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d.ShortHash())
	}
	return f, err
}

// Verify reports whether the object exists with the descriptor's size and
// digest. A size mismatch is decided without reading the bytes.
func (s *Store) Verify(ctx context.Context, d protocol.FileDescriptor) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}

	path := s.objectPath(d.Hash)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		s.prune(ctx, d.Hash)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size() != d.Size {
		return false, nil
	}

	sum, _, err := hashFile(ctx, path)
	if err != nil {
		return false, err
	}
	if sum != d.Hash {
		s.log.WithField("hash", d.ShortHash()).Warn("Stored object is damaged, removing it")
		s.prune(ctx, d.Hash)
		return false, nil
	}
	return true, nil
}

// prune forgets an object whose bytes are gone or no longer match their
// hash, so List stops offering it.
func (s *Store) prune(ctx context.Context, hash string) {
	if err := os.Remove(s.objectPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.WithError(err).Warn("Failed to remove damaged object")
	}
	if err := s.index.Delete(ctx, hash); err != nil {
		s.log.WithError(err).Warn("Failed to drop index entry")
	}
}

func (s *Store) Lookup(ctx context.Context, hash string) (protocol.FileDescriptor, error) {
	obj, err := s.index.Lookup(ctx, hash)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	return toDescriptor(obj), nil
}

func (s *Store) List(ctx context.Context) ([]protocol.FileDescriptor, error) {
	objs, err := s.index.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.FileDescriptor, 0, len(objs))
	for _, obj := range objs {
		out = append(out, toDescriptor(obj))
	}
	return out, nil
}

// Partial returns how many bytes of d are staged from an interrupted receive.
func (s *Store) Partial(d protocol.FileDescriptor) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.partialPath(d.Hash))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return min(info.Size(), d.Size), nil
}

func toDescriptor(obj db.Object) protocol.FileDescriptor {
	return protocol.FileDescriptor{
		Name:     obj.Name,
		Size:     obj.Size,
		MimeType: obj.MimeType,
		Hash:     obj.Hash,
	}
}

func hashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
