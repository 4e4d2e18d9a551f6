package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/illyvia/lattice/internal/model"
)

// AppendNodeLog appends a log line to a node's append-only log stream,
// assigning it the next monotonic id for that node.
func (s *Store) AppendNodeLog(nodeID, level, message string, meta map[string]any) (*model.LogEntry, Outcome, error) {
	var entry *model.LogEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return errOutcome(NotFound)
		}

		seq, err := nextNodeLogSeq(tx, nodeID)
		if err != nil {
			return err
		}

		entry = &model.LogEntry{
			ID:        int64(seq),
			NodeID:    nodeID,
			CreatedAt: s.now(),
			Level:     model.NormalizeLogLevel(level),
			Message:   message,
			Meta:      meta,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		return tx.Bucket(bucketNodeLogs).Put(compositeKey(nodeID, seq), data)
	})
	if outcome, ok := asOutcome(err); ok {
		return nil, outcome, nil
	}
	if err != nil {
		return nil, "", err
	}
	return entry, OK, nil
}

func nextNodeLogSeq(tx *bolt.Tx, nodeID string) (uint64, error) {
	b := tx.Bucket(bucketNodeLogSeq)
	key := []byte(nodeID)
	cur := uint64(0)
	if v := b.Get(key); v != nil {
		cur = decodeUint64(v)
	}
	cur++
	if err := b.Put(key, encodeUint64(cur)); err != nil {
		return 0, err
	}
	return cur, nil
}

// ListNodeLogs returns log entries for a node.
//
// When sinceID is 0, the most recent limit entries are returned in
// ascending (oldest-first) order -- a "tail -n" snapshot. When sinceID is
// non-zero, every entry with ID > sinceID is returned in ascending order,
// up to limit entries -- incremental polling from a known watermark. A
// limit of 0 means unbounded.
func (s *Store) ListNodeLogs(nodeID string, sinceID int64, limit int) ([]*model.LogEntry, Outcome, error) {
	var entries []*model.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		n, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return errOutcome(NotFound)
		}

		prefix := append([]byte(nodeID), 0)
		c := tx.Bucket(bucketNodeLogs).Cursor()

		if sinceID > 0 {
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				var e model.LogEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				if e.ID <= sinceID {
					continue
				}
				entries = append(entries, &e)
				if limit > 0 && len(entries) >= limit {
					break
				}
			}
			return nil
		}

		// sinceID == 0: walk backwards from the end of this node's range to
		// collect the most recent `limit` entries, then reverse into
		// ascending order.
		var tail []*model.LogEntry
		endPrefix := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(endPrefix)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && hasPrefix(k, prefix); k, v = c.Prev() {
			var e model.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			tail = append(tail, &e)
			if limit > 0 && len(tail) >= limit {
				break
			}
		}
		for i := len(tail) - 1; i >= 0; i-- {
			entries = append(entries, tail[i])
		}
		return nil
	})
	if outcome, ok := asOutcome(err); ok {
		return nil, outcome, nil
	}
	if err != nil {
		return nil, "", err
	}
	return entries, OK, nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// TrimOldLogs deletes every log entry across every node older than
// maxAge, for the Master's periodic log-retention sweep. It returns the
// number of entries removed.
func (s *Store) TrimOldLogs(maxAge time.Duration) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		cutoff := s.now().Add(-maxAge)
		b := tx.Bucket(bucketNodeLogs)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e model.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.CreatedAt.Before(cutoff) {
				kc := make([]byte, len(k))
				copy(kc, k)
				toDelete = append(toDelete, kc)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func deleteNodeLogs(tx *bolt.Tx, nodeID string) error {
	b := tx.Bucket(bucketNodeLogs)
	prefix := append([]byte(nodeID), 0)
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		kc := make([]byte, len(k))
		copy(kc, k)
		toDelete = append(toDelete, kc)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketNodeLogSeq).Delete([]byte(nodeID))
}
