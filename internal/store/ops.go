package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/illyvia/lattice/internal/model"
)

func putOperation(tx *bolt.Tx, op *model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	if err := tx.Bucket(bucketOperations).Put([]byte(op.ID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketOpsByVM).Put(opIndexKey(op.VMID, op.ID), []byte(op.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketOpsByNode).Put(opIndexKey(op.NodeID, op.ID), []byte(op.ID))
}

func opIndexKey(owner, opID string) []byte {
	return []byte(owner + "\x00" + opID)
}

func getOperation(tx *bolt.Tx, id string) (*model.Operation, error) {
	data := tx.Bucket(bucketOperations).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var op model.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("unmarshal operation: %w", err)
	}
	return &op, nil
}

func listOpsByIndex(tx *bolt.Tx, indexBucket []byte, owner string) ([]*model.Operation, error) {
	var ops []*model.Operation
	prefix := []byte(owner + "\x00")
	c := tx.Bucket(indexBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		op, err := getOperation(tx, string(v))
		if err != nil {
			return nil, err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.After(ops[j].CreatedAt) })
	return ops, nil
}

// GetOperation fetches a single operation by id.
func (s *Store) GetOperation(opID string) (*model.Operation, Outcome, error) {
	var op *model.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		o, err := getOperation(tx, opID)
		op = o
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if op == nil {
		return nil, NotFound, nil
	}
	return op, OK, nil
}

// ListOperationsByVM returns every operation issued against a VM, newest first.
func (s *Store) ListOperationsByVM(vmID string) ([]*model.Operation, error) {
	var ops []*model.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		o, err := listOpsByIndex(tx, bucketOpsByVM, vmID)
		ops = o
		return err
	})
	return ops, err
}

// ListOperationsByNode returns every operation issued for a node, newest first.
func (s *Store) ListOperationsByNode(nodeID string) ([]*model.Operation, error) {
	var ops []*model.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		o, err := listOpsByIndex(tx, bucketOpsByNode, nodeID)
		ops = o
		return err
	})
	return ops, err
}

// ApplyVMCommandResult records the outcome an agent reported for a
// previously dispatched operation, transitioning both the operation and its
// owning VM. status is the agent's reported progress: "running" only
// records a start time and leaves the operation open for its eventual
// terminal result, per spec.md §4.1 ("status never regresses" -- a
// running report must never fail an operation out from under a later
// succeeded/failed report). On success the VM state follows the operation
// type; result fields "ip_address" and "domain_uuid" are copied onto the VM
// record when present, and a recognized "power_state" overrides the state.
// A delete operation's success removes the VM entirely.
func (s *Store) ApplyVMCommandResult(opID string, status string, result map[string]any, errMsg string) (Outcome, error) {
	if status == model.OpStatusRunning {
		return s.applyVMCommandRunning(opID)
	}
	succeeded := status == model.OpStatusSucceeded

	err := s.db.Update(func(tx *bolt.Tx) error {
		op, err := getOperation(tx, opID)
		if err != nil {
			return err
		}
		if op == nil {
			return errOutcome(NotFound)
		}
		if op.IsTerminal() {
			return errOutcome(Conflict)
		}

		now := s.now()
		op.EndedAt = &now
		if op.StartedAt == nil {
			op.StartedAt = &now
		}

		vm, err := getVM(tx, op.VMID)
		if err != nil {
			return err
		}

		if succeeded {
			op.Status = model.OpStatusSucceeded
			op.Result = result
		} else {
			op.Status = model.OpStatusFailed
			op.Error = errMsg
		}
		if err := putOperation(tx, op); err != nil {
			return err
		}

		if vm == nil {
			return nil
		}

		if !succeeded {
			vm.State = model.VMStateError
			vm.LastError = errMsg
			vm.UpdatedAt = now
			return putVM(tx, vm)
		}

		if op.OperationType == model.OpDelete {
			return removeVM(tx, vm)
		}

		applyResultToVM(vm, op.OperationType, result)
		vm.LastError = ""
		vm.UpdatedAt = now
		return putVM(tx, vm)
	})
	if outcome, ok := asOutcome(err); ok {
		return outcome, nil
	}
	if err != nil {
		return "", err
	}
	return OK, nil
}

// applyVMCommandRunning records an agent's intermediate "running" progress
// report: it only sets StartedAt if unset and never touches Status,
// EndedAt, or the owning VM, so the operation stays open for its eventual
// terminal result.
func (s *Store) applyVMCommandRunning(opID string) (Outcome, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		op, err := getOperation(tx, opID)
		if err != nil {
			return err
		}
		if op == nil {
			return errOutcome(NotFound)
		}
		if op.IsTerminal() {
			return errOutcome(Conflict)
		}
		if op.StartedAt != nil {
			return nil
		}
		now := s.now()
		op.StartedAt = &now
		return putOperation(tx, op)
	})
	if outcome, ok := asOutcome(err); ok {
		return outcome, nil
	}
	if err != nil {
		return "", err
	}
	return OK, nil
}

func applyResultToVM(vm *model.VM, opType string, result map[string]any) {
	switch opType {
	case model.OpCreate, model.OpStart:
		vm.State = model.VMStateRunning
	case model.OpStop:
		vm.State = model.VMStateStopped
	case model.OpReboot:
		vm.State = model.VMStateRunning
	}
	if result == nil {
		return
	}
	if ip, ok := result["ip_address"].(string); ok && ip != "" {
		vm.IPAddress = ip
	}
	if uuid, ok := result["domain_uuid"].(string); ok && uuid != "" {
		vm.DomainUUID = uuid
	}
	if reported, ok := result["power_state"].(string); ok {
		if mapped, known := powerStateMap[reported]; known {
			vm.State = mapped
		}
	}
}

var powerStateMap = map[string]string{
	"running":      model.VMStateRunning,
	"shut off":     model.VMStateStopped,
	"shutoff":      model.VMStateStopped,
	"paused":       model.VMStateRunning,
	"crashed":      model.VMStateError,
	"in shutdown":  model.VMStateRunning,
	"pmsuspended":  model.VMStateStopped,
}

func removeVM(tx *bolt.Tx, vm *model.VM) error {
	if err := tx.Bucket(bucketVMsByNodeName).Delete(compositeVMNameKey(vm.NodeID, vm.Name)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketVMsByDomain).Delete([]byte(vm.DomainName)); err != nil {
		return err
	}
	return tx.Bucket(bucketVMs).Delete([]byte(vm.ID))
}

// FailStaleOperations marks every non-terminal operation older than maxAge
// as failed, for the master's periodic maintenance sweep to reclaim
// operations an agent silently dropped (e.g. it was restarted mid-command).
func (s *Store) FailStaleOperations(maxAge time.Duration) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		cutoff := s.now().Add(-maxAge)
		var stale []*model.Operation
		if err := tx.Bucket(bucketOperations).ForEach(func(_, v []byte) error {
			var op model.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if !op.IsTerminal() && op.CreatedAt.Before(cutoff) {
				stale = append(stale, &op)
			}
			return nil
		}); err != nil {
			return err
		}

		now := s.now()
		for _, op := range stale {
			op.Status = model.OpStatusFailed
			op.Error = "timed out waiting for agent"
			op.EndedAt = &now
			if err := putOperation(tx, op); err != nil {
				return err
			}
			if vm, err := getVM(tx, op.VMID); err == nil && vm != nil {
				vm.State = model.VMStateError
				vm.LastError = op.Error
				vm.UpdatedAt = now
				if err := putVM(tx, vm); err != nil {
					return err
				}
			}
			count++
		}
		return nil
	})
	return count, err
}

// FailUnfinishedOperations transitions every non-terminal operation to
// failed with the given reason and its attached VM to error. It is called
// once at Master startup: a restart drops every in-flight command along
// with the Router's in-memory queues, so any operation still queued or
// running at that point can never be completed by its original dispatch.
func (s *Store) FailUnfinishedOperations(reason string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var unfinished []*model.Operation
		if err := tx.Bucket(bucketOperations).ForEach(func(_, v []byte) error {
			var op model.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if !op.IsTerminal() {
				unfinished = append(unfinished, &op)
			}
			return nil
		}); err != nil {
			return err
		}

		now := s.now()
		for _, op := range unfinished {
			op.Status = model.OpStatusFailed
			op.Error = reason
			op.EndedAt = &now
			if err := putOperation(tx, op); err != nil {
				return err
			}
			if vm, err := getVM(tx, op.VMID); err == nil && vm != nil {
				vm.State = model.VMStateError
				vm.LastError = reason
				vm.UpdatedAt = now
				if err := putVM(tx, vm); err != nil {
					return err
				}
			}
			count++
		}
		return nil
	})
	return count, err
}

func deleteOpsByNode(tx *bolt.Tx, nodeID string) error {
	prefix := []byte(nodeID + "\x00")
	c := tx.Bucket(bucketOpsByNode).Cursor()
	var keys [][]byte
	var opIDs []string
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		kc := make([]byte, len(k))
		copy(kc, k)
		keys = append(keys, kc)
		opIDs = append(opIDs, string(v))
	}
	for _, k := range keys {
		if err := tx.Bucket(bucketOpsByNode).Delete(k); err != nil {
			return err
		}
	}
	for _, id := range opIDs {
		op, err := getOperation(tx, id)
		if err != nil {
			return err
		}
		if op == nil {
			continue
		}
		if err := tx.Bucket(bucketOpsByVM).Delete(opIndexKey(op.VMID, op.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOperations).Delete([]byte(id)); err != nil {
			return err
		}
	}
	return nil
}
