package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/illyvia/lattice/internal/model"
)

func putNode(tx *bolt.Tx, n *model.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	if err := tx.Bucket(bucketNodes).Put([]byte(n.ID), data); err != nil {
		return err
	}
	if n.PairCode != "" {
		if err := tx.Bucket(bucketNodesByCode).Put([]byte(n.PairCode), []byte(n.ID)); err != nil {
			return err
		}
	}
	if n.PairToken != "" {
		if err := tx.Bucket(bucketNodesByToken).Put([]byte(n.PairToken), []byte(n.ID)); err != nil {
			return err
		}
	}
	if n.Name != "" {
		if err := tx.Bucket(bucketNodesByName).Put([]byte(n.Name), []byte(n.ID)); err != nil {
			return err
		}
	}
	return nil
}

func getNode(tx *bolt.Tx, id string) (*model.Node, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var n model.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &n, nil
}

func getNodeByIndex(tx *bolt.Tx, bucket []byte, key string) (*model.Node, error) {
	id := tx.Bucket(bucket).Get([]byte(key))
	if id == nil {
		return nil, nil
	}
	return getNode(tx, string(id))
}

func nameTaken(tx *bolt.Tx, name string) bool {
	return tx.Bucket(bucketNodesByName).Get([]byte(name)) != nil
}

// CreateNode registers a new pending node, generating a unique friendly name
// and a one-time 6-character pair code. The caller is responsible for
// surfacing the pair code to whoever is about to run the agent's pairing
// flow; it is never retrievable again once consumed by PairNode.
func (s *Store) CreateNode(requestedName string) (*model.Node, Outcome, error) {
	var node *model.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		name := requestedName
		if name == "" {
			generated, err := generateFriendlyName(func(candidate string) (bool, error) {
				return nameTaken(tx, candidate), nil
			})
			if err != nil {
				return err
			}
			name = generated
		} else if nameTaken(tx, name) {
			return errDuplicateName
		}

		code, err := s.uniquePairCode(tx)
		if err != nil {
			return err
		}

		node = &model.Node{
			ID:        newID(),
			Name:      name,
			PairCode:  code,
			State:     model.NodeStatePending,
			CreatedAt: s.now(),
		}
		return putNode(tx, node)
	})
	if err == errDuplicateName {
		return nil, DuplicateName, nil
	}
	if err != nil {
		return nil, "", err
	}
	return node, OK, nil
}

func (s *Store) uniquePairCode(tx *bolt.Tx) (string, error) {
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		code, err := generatePairCode()
		if err != nil {
			return "", err
		}
		if tx.Bucket(bucketNodesByCode).Get([]byte(code)) == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate pair code: exhausted %d attempts", maxGenerationAttempts)
}

var errDuplicateName = fmt.Errorf("duplicate node name")

// PairNode consumes a pair code, issuing a long-lived bearer token for the
// node and transitioning it to paired. A code can only ever be consumed
// once: on success the code index entry is removed so it cannot be reused.
func (s *Store) PairNode(code string) (*model.Node, string, Outcome, error) {
	var node *model.Node
	var token string
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := getNodeByIndex(tx, bucketNodesByCode, code)
		if err != nil {
			return err
		}
		if n == nil {
			return errOutcome(InvalidCode)
		}
		if n.State == model.NodeStatePaired {
			return errOutcome(AlreadyPaired)
		}

		tok, err := generatePairToken()
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketNodesByCode).Delete([]byte(n.PairCode)); err != nil {
			return err
		}
		n.PairCode = ""
		n.PairToken = tok
		n.State = model.NodeStatePaired
		now := s.now()
		n.PairedAt = &now

		if err := putNode(tx, n); err != nil {
			return err
		}
		node = n
		token = tok
		return nil
	})
	if outcome, ok := asOutcome(err); ok {
		return nil, "", outcome, nil
	}
	if err != nil {
		return nil, "", "", err
	}
	return node, token, OK, nil
}

// AuthenticateNode resolves a bearer token to its paired node.
func (s *Store) AuthenticateNode(token string) (*model.Node, Outcome, error) {
	if token == "" {
		return nil, MissingToken, nil
	}
	var node *model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		n, err := getNodeByIndex(tx, bucketNodesByToken, token)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if node == nil {
		return nil, InvalidToken, nil
	}
	return node, OK, nil
}

// RecordHeartbeat updates a paired node's liveness timestamp, agent identity
// fields, and normalized runtime metrics. Percent fields are clamped to
// [0,100] and byte counters floored at 0, mirroring what agents are expected
// to already have normalized but never trusted blindly.
func (s *Store) RecordHeartbeat(nodeID string, hostname, commit string, info map[string]any, caps map[string]any, metrics *model.RuntimeMetrics) (Outcome, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return errOutcome(NotFound)
		}
		if n.State != model.NodeStatePaired {
			return errOutcome(NodeNotPaired)
		}

		now := s.now()
		n.LastHeartbeatAt = &now
		if hostname != "" {
			n.AgentHostname = hostname
		}
		if commit != "" {
			n.AgentCommit = commit
		}
		if info != nil {
			n.AgentInfo = info
		}
		if caps != nil {
			n.Capabilities = caps
		}
		if metrics != nil {
			clampMetrics(metrics)
			metrics.UpdatedAt = now
			n.RuntimeMetrics = metrics
		}
		return putNode(tx, n)
	})
	if outcome, ok := asOutcome(err); ok {
		return outcome, nil
	}
	if err != nil {
		return "", err
	}
	return OK, nil
}

func clampMetrics(m *model.RuntimeMetrics) {
	m.CPUPercent = clampPercent(m.CPUPercent)
	m.MemoryPercent = clampPercent(m.MemoryPercent)
	m.StoragePercent = clampPercent(m.StoragePercent)
	m.MemoryUsedBytes = floorZero(m.MemoryUsedBytes)
	m.MemoryTotalBytes = floorZero(m.MemoryTotalBytes)
	m.StorageUsedBytes = floorZero(m.StorageUsedBytes)
	m.StorageTotal = floorZero(m.StorageTotal)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// RenameNode changes a node's display name, enforcing name uniqueness.
func (s *Store) RenameNode(nodeID, newName string) (Outcome, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return errOutcome(NotFound)
		}
		if newName == "" {
			return errOutcome(InvalidName)
		}
		if newName != n.Name && nameTaken(tx, newName) {
			return errOutcome(DuplicateName)
		}
		if err := tx.Bucket(bucketNodesByName).Delete([]byte(n.Name)); err != nil {
			return err
		}
		n.Name = newName
		return putNode(tx, n)
	})
	if outcome, ok := asOutcome(err); ok {
		return outcome, nil
	}
	if err != nil {
		return "", err
	}
	return OK, nil
}

// DeleteNode removes a node and all of its indices, logs, VMs and operations.
func (s *Store) DeleteNode(nodeID string) (Outcome, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return errOutcome(NotFound)
		}
		if n.PairCode != "" {
			if err := tx.Bucket(bucketNodesByCode).Delete([]byte(n.PairCode)); err != nil {
				return err
			}
		}
		if n.PairToken != "" {
			if err := tx.Bucket(bucketNodesByToken).Delete([]byte(n.PairToken)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketNodesByName).Delete([]byte(n.Name)); err != nil {
			return err
		}
		if err := deleteNodeLogs(tx, nodeID); err != nil {
			return err
		}
		if err := deleteNodeVMsAndOps(tx, nodeID); err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Delete([]byte(nodeID))
	})
	if outcome, ok := asOutcome(err); ok {
		return outcome, nil
	}
	if err != nil {
		return "", err
	}
	return OK, nil
}

// GetNode fetches a single node by id.
func (s *Store) GetNode(nodeID string) (*model.Node, Outcome, error) {
	var node *model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		n, err := getNode(tx, nodeID)
		node = n
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if node == nil {
		return nil, NotFound, nil
	}
	return node, OK, nil
}

// ListNodes returns every node ordered by creation time.
func (s *Store) ListNodes() ([]*model.Node, error) {
	var nodes []*model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n model.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].CreatedAt.Before(nodes[j].CreatedAt) })
	return nodes, nil
}
