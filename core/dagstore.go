package core

// DAG Store (SPEC_FULL.md §4.1). A content-addressed async store with
// transactional batches and deterministic replay, grounded on the teacher's
// core/ledger.go WAL-backed persistence pattern (open-or-create append file,
// replay on init) and core/storage.go's CID-first design. Unlike the
// teacher's single global ledger, this store is a plain struct: the mesh
// layer, runtime and reputation engine each hold a reference passed in at
// construction rather than reaching a package-level singleton.

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DagStore is a readers-writer-locked, content-addressed node store with
// atomic batch commits and a durable append-only log.
type DagStore struct {
	mu     sync.RWMutex
	nodes  map[string]DagNode
	order  []string // insertion order, for WAL replay and iteration stability
	wal    *os.File
	logger *logrus.Entry
}

// NewDagStore opens (or creates) the DAG store backed by walPath, replaying
// any previously committed nodes.
func NewDagStore(walPath string) (*DagStore, error) {
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("dagstore: open wal: %w", err)
	}
	s := &DagStore{
		nodes:  make(map[string]DagNode),
		wal:    f,
		logger: logrus.WithField("component", "dagstore"),
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var n DagNode
		if err := json.Unmarshal(scanner.Bytes(), &n); err != nil {
			f.Close()
			return nil, fmt.Errorf("dagstore: wal replay unmarshal: %w", err)
		}
		s.nodes[n.CID] = n
		s.order = append(s.order, n.CID)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("dagstore: wal scan: %w", err)
	}
	return s, nil
}

// Close releases the underlying WAL file handle.
func (s *DagStore) Close() error {
	return s.wal.Close()
}

// Insert verifies node.CID matches the content hash, then durably appends
// and indexes the node. Returns ErrInvalidContent (wrapped) for a CID
// mismatch — insertion never silently "fixes" the CID.
func (s *DagStore) Insert(node DagNode) (string, error) {
	if err := VerifyCID(node.CID, node.ContentBytes); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(node)
}

func (s *DagStore) insertLocked(node DagNode) (string, error) {
	if _, exists := s.nodes[node.CID]; exists {
		return node.CID, nil // content-addressed: re-insertion is a no-op
	}
	b, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("dagstore: marshal node: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.wal.Write(b); err != nil {
		return "", fmt.Errorf("dagstore: append wal: %w", err)
	}
	s.nodes[node.CID] = node
	s.order = append(s.order, node.CID)
	s.logger.WithFields(logrus.Fields{"cid": node.CID, "event_type": node.EventType}).Debug("dag node inserted")
	return node.CID, nil
}

// Get returns the node for cid, or ok=false (not an error) if absent.
func (s *DagStore) Get(cidStr string) (DagNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[cidStr]
	return n, ok
}

// List returns every node currently in the store, in insertion order.
func (s *DagStore) List() []DagNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DagNode, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.nodes[c])
	}
	return out
}

// StateHash folds the sorted set of CIDs currently held into a single
// digest. Two stores that received the same set of inserts — in any
// insertion order — produce the same hash, satisfying the §8 replay law.
func (s *DagStore) StateHash() [32]byte {
	s.mu.RLock()
	cids := make([]string, 0, len(s.nodes))
	for c := range s.nodes {
		cids = append(cids, c)
	}
	s.mu.RUnlock()
	sort.Strings(cids)
	h := sha256.New()
	for _, c := range cids {
		h.Write([]byte(c))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Batch stages inserts privately; nothing is visible to readers of the
// DagStore until Commit is called. A dropped (never-committed) batch rolls
// back implicitly — it simply never touches the store.
type Batch struct {
	store   *DagStore
	staged  []DagNode
	stageDone bool
}

// BeginBatch opens a new batch against the store.
func (s *DagStore) BeginBatch() *Batch {
	return &Batch{store: s}
}

// Stage adds node to the batch's private staging area without touching the
// store. CID validity is checked at Stage time so Commit cannot fail on
// content errors, only on I/O.
func (b *Batch) Stage(node DagNode) error {
	if b.stageDone {
		return fmt.Errorf("dagstore: batch already committed")
	}
	if err := VerifyCID(node.CID, node.ContentBytes); err != nil {
		return err
	}
	b.staged = append(b.staged, node)
	return nil
}

// Commit applies every staged node atomically under a single exclusive lock.
func (b *Batch) Commit() error {
	if b.stageDone {
		return fmt.Errorf("dagstore: batch already committed")
	}
	b.stageDone = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, n := range b.staged {
		if _, err := b.store.insertLocked(n); err != nil {
			return fmt.Errorf("dagstore: commit batch: %w", err)
		}
	}
	return nil
}
