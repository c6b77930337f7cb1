package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Staged is the receive side of an object: bytes are written at their
// absolute offsets into staging/<hash>.partial and only move into objects/
// after Commit verifies them. The descriptor sits next to them in
// staging/<hash>.json until the receive commits or aborts.
type Staged struct {
	store *Store
	desc  protocol.FileDescriptor
	path  string
	f     *os.File
	done  bool
}

// Create opens the staging file for d. startByte 0 starts over; a positive
// startByte resumes from bytes kept by an earlier Suspend.
func (s *Store) Create(ctx context.Context, d protocol.FileDescriptor, startByte int64) (*Staged, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if startByte < 0 || startByte > d.Size {
		return nil, fmt.Errorf("start byte %d outside object of %d bytes", startByte, d.Size)
	}

	s.mu.Lock()
	if s.receiving[d.Hash] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, d.ShortHash())
	}
	s.receiving[d.Hash] = true
	s.mu.Unlock()

	st, err := s.openStaged(d, startByte)
	if err != nil {
		s.release(d.Hash)
		return nil, err
	}
	return st, nil
}

func (s *Store) openStaged(d protocol.FileDescriptor, startByte int64) (*Staged, error) {
	path := s.partialPath(d.Hash)

	flags := os.O_CREATE | os.O_RDWR
	if startByte == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening staging file: %w", err)
	}

	if startByte > 0 {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if info.Size() < startByte {
			_ = f.Close()
			return nil, fmt.Errorf("%w: have %d bytes, asked to resume at %d", ErrNoPartial, info.Size(), startByte)
		}
		if err := f.Truncate(startByte); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	meta, err := json.Marshal(d)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := os.WriteFile(s.pendingPath(d.Hash), meta, 0o644); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("recording pending descriptor: %w", err)
	}

	return &Staged{store: s, desc: d, path: path, f: f}, nil
}

// Pending returns the descriptor of an unfinished receive of hash.
func (s *Store) Pending(hash string) (protocol.FileDescriptor, error) {
	var d protocol.FileDescriptor
	if err := (protocol.FileDescriptor{Hash: hash}).Validate(); err != nil {
		return d, err
	}

	meta, err := os.ReadFile(s.pendingPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return d, fmt.Errorf("%w: no pending receive of %s", ErrNotFound, hash)
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(meta, &d); err != nil {
		return d, fmt.Errorf("parsing pending descriptor: %w", err)
	}
	return d, d.Validate()
}

func (st *Staged) forget() {
	if err := os.Remove(st.store.pendingPath(st.desc.Hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		st.store.log.WithError(err).Warn("Failed to remove pending descriptor")
	}
}

func (s *Store) release(hash string) {
	s.mu.Lock()
	delete(s.receiving, hash)
	s.mu.Unlock()
}

func (st *Staged) WriteAt(p []byte, off int64) (int, error) {
	if st.done {
		return 0, os.ErrClosed
	}
	return st.f.WriteAt(p, off)
}

// Commit verifies the staged bytes against the descriptor and moves them into
// place. On a mismatch the staged file is deleted and ErrCorrupted returned.
func (st *Staged) Commit(ctx context.Context) error {
	if st.done {
		return os.ErrClosed
	}
	st.done = true
	defer st.store.release(st.desc.Hash)

	if err := st.f.Sync(); err != nil {
		_ = st.f.Close()
		return fmt.Errorf("syncing staged object: %w", err)
	}
	if err := st.f.Close(); err != nil {
		return fmt.Errorf("closing staged object: %w", err)
	}

	sum, size, err := hashFile(ctx, st.path)
	if err != nil {
		return err
	}
	if size != st.desc.Size || sum != st.desc.Hash {
		_ = os.Remove(st.path)
		st.forget()
		st.store.log.WithFields(logrus.Fields{
			"hash": st.desc.ShortHash(),
			"size": size,
		}).Warn("Staged object failed verification")
		return fmt.Errorf("%w: %s", ErrCorrupted, st.desc.ShortHash())
	}

	if err := st.store.promote(st.path, st.desc.Hash); err != nil {
		return err
	}
	st.forget()
	return st.store.record(ctx, st.desc)
}

// Abort discards the staged bytes.
func (st *Staged) Abort() error {
	if st.done {
		return nil
	}
	st.done = true
	defer st.store.release(st.desc.Hash)

	_ = st.f.Close()
	st.forget()
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Suspend closes the staging file and keeps its bytes for a later resume.
func (st *Staged) Suspend() error {
	if st.done {
		return nil
	}
	st.done = true
	defer st.store.release(st.desc.Hash)

	if err := st.f.Sync(); err != nil {
		_ = st.f.Close()
		return err
	}
	return st.f.Close()
}
