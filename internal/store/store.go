// Package store is the single-writer transactional persistence layer for
// nodes, VMs, images, operations and node logs. It wraps a BoltDB file and
// emulates the relational shape described by the spec (tables + secondary
// indices) using prefixed buckets, following the same pattern the rest of
// this codebase uses for BoltDB persistence.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/illyvia/lattice/internal/clock"
)

var (
	bucketNodes          = []byte("nodes")
	bucketNodesByCode    = []byte("nodes_by_pair_code")
	bucketNodesByToken   = []byte("nodes_by_pair_token")
	bucketNodesByName    = []byte("nodes_by_name")
	bucketNodeLogs       = []byte("node_logs")
	bucketNodeLogSeq     = []byte("node_log_seq")
	bucketVMImages       = []byte("vm_images")
	bucketVMImagesByName = []byte("vm_images_by_name")
	bucketVMs            = []byte("vms")
	bucketVMsByNodeName  = []byte("vms_by_node_name")
	bucketVMsByDomain    = []byte("vms_by_domain_name")
	bucketOperations     = []byte("vm_operations")
	bucketOpsByVM        = []byte("ops_by_vm")
	bucketOpsByNode      = []byte("ops_by_node")

	allBuckets = [][]byte{
		bucketNodes, bucketNodesByCode, bucketNodesByToken, bucketNodesByName,
		bucketNodeLogs, bucketNodeLogSeq,
		bucketVMImages, bucketVMImagesByName,
		bucketVMs, bucketVMsByNodeName, bucketVMsByDomain,
		bucketOperations, bucketOpsByVM, bucketOpsByNode,
	}
)

// Outcome is the small tag alphabet every mutating Store operation returns
// alongside its payload. No exceptions cross the Store boundary.
type Outcome string

const (
	OK                   Outcome = "ok"
	InvalidCode          Outcome = "invalid_code"
	NotFound             Outcome = "not_found"
	AlreadyPaired        Outcome = "already_paired"
	CapabilityNotReady   Outcome = "capability_not_ready"
	Conflict             Outcome = "conflict"
	InvalidState         Outcome = "invalid_state"
	VMNotFound           Outcome = "vm_not_found"
	MissingToken         Outcome = "missing_token"
	InvalidToken         Outcome = "invalid_token"
	NodeMismatch         Outcome = "node_mismatch"
	InvalidName          Outcome = "invalid_name"
	InvalidPayload       Outcome = "invalid_payload"
	NodeNotPaired        Outcome = "node_not_paired"
	DuplicateName        Outcome = "duplicate_name"
	ImageNotFound        Outcome = "image_not_found"
)

// Store wraps a BoltDB database for Lattice master persistence.
type Store struct {
	db    *bolt.DB
	clock clock.Clock
}

// Open creates or opens a BoltDB database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db, clock: clock.Real{}}
	if err := s.seedDefaultImages(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed vm images: %w", err)
	}
	return s, nil
}

// SetClock overrides the store's clock; used by tests that need deterministic timestamps.
func (s *Store) SetClock(c clock.Clock) { s.clock = c }

// Close closes the underlying BoltDB.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }
