package relay

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Peer is a live client connection as the registry sees it.
type Peer interface {
	// Deliver queues one message and may refuse it when the peer is behind.
	Deliver(data []byte) error
	// Flush queues a whole mailbox in order and only fails once closed.
	Flush(batch [][]byte) error
	// Close returns the messages that were queued but never written.
	Close() [][]byte
}

// Registry maps identifiers to live connections and keeps a mailbox of
// serialized deliveries for identifiers that are not connected.
type Registry struct {
	mu        sync.Mutex
	peers     map[string]Peer
	mailboxes map[string][][]byte
	log       *logrus.Entry
}

func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		peers:     make(map[string]Peer),
		mailboxes: make(map[string][][]byte),
		log:       log.WithField("component", "relay"),
	}
}

// Join registers id, replacing any earlier connection, and flushes its
// mailbox in enqueue order.
func (r *Registry) Join(id string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.peers[id]; ok && old != p {
		r.log.WithField("peer", id).Debug("Replacing connection for rejoined peer")
	}
	r.peers[id] = p

	queued := r.mailboxes[id]
	delete(r.mailboxes, id)

	if len(queued) > 0 {
		if err := p.Flush(queued); err != nil {
			r.log.WithFields(logrus.Fields{"peer": id, "error": err}).Warn("Failed to flush mailbox")
			delete(r.peers, id)
			r.mailboxes[id] = queued
			return
		}
	}

	r.log.WithFields(logrus.Fields{"peer": id, "flushed": len(queued)}).Info("Peer joined")
}

// Signal forwards data from one identifier to another, or queues it when
// the recipient is not connected.
func (r *Registry) Signal(from, to string, data json.RawMessage) {
	env, err := json.Marshal(Delivery{From: from, Data: data})
	if err != nil {
		r.log.WithError(err).Warn("Failed to encode delivery")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[to]; ok {
		if err := p.Deliver(env); err == nil {
			return
		}
		r.log.WithField("peer", to).Warn("Send queue full, dropping connection")
		r.dropLocked(to, p)
	}

	r.mailboxes[to] = append(r.mailboxes[to], env)
	r.log.WithFields(logrus.Fields{"from": from, "to": to, "queued": len(r.mailboxes[to])}).Debug("Queued signal for offline peer")
}

// Leave unregisters id if it still maps to p and closes p. Messages p never
// wrote go back to the front of the mailbox.
func (r *Registry) Leave(id string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[id] != p {
		return
	}
	r.dropLocked(id, p)
	r.log.WithField("peer", id).Info("Peer left")
}

// Forget unregisters id without closing p, for a connection that rejoined
// under another identifier.
func (r *Registry) Forget(id string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[id] == p {
		delete(r.peers, id)
	}
}

func (r *Registry) dropLocked(id string, p Peer) {
	if r.peers[id] == p {
		delete(r.peers, id)
	}
	unsent := p.Close()
	if len(unsent) > 0 {
		r.mailboxes[id] = append(unsent, r.mailboxes[id]...)
	}
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Peers: len(r.peers), Mailboxes: len(r.mailboxes)}
	for _, q := range r.mailboxes {
		s.Queued += len(q)
	}
	return s
}

// CloseAll closes every live connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		peers = append(peers, p)
		delete(r.peers, id)
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
}
