package store

import (
	"encoding/json"
	"fmt"
	"regexp"

	bolt "go.etcd.io/bbolt"

	"github.com/illyvia/lattice/internal/model"
)

// vmNameRe enforces the create_vm_request name shape from spec.md §4.1.
var vmNameRe = regexp.MustCompile(`^[a-z0-9-]{3,32}$`)

// Range bounds for create_vm_request's vcpu/memory_mb/disk_gb, per spec.md §4.1.
const (
	minVCPU     = 1
	maxVCPU     = 32
	minMemoryMB = 512
	maxMemoryMB = 262144
	minDiskGB   = 10
	maxDiskGB   = 4096
)

// vmCapabilityReady reports whether a node's most recent heartbeat reported
// its libvirt toolchain as ready, per the `capabilities.vm.ready` gate
// create_vm_request enforces.
func vmCapabilityReady(caps map[string]any) bool {
	vm, ok := caps["vm"].(map[string]any)
	if !ok {
		return false
	}
	ready, _ := vm["ready"].(bool)
	return ready
}

func putVM(tx *bolt.Tx, vm *model.VM) error {
	data, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("marshal vm: %w", err)
	}
	if err := tx.Bucket(bucketVMs).Put([]byte(vm.ID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketVMsByNodeName).Put(compositeVMNameKey(vm.NodeID, vm.Name), []byte(vm.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketVMsByDomain).Put([]byte(vm.DomainName), []byte(vm.ID))
}

func compositeVMNameKey(nodeID, name string) []byte {
	return []byte(nodeID + "\x00" + name)
}

func getVM(tx *bolt.Tx, id string) (*model.VM, error) {
	data := tx.Bucket(bucketVMs).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var vm model.VM
	if err := json.Unmarshal(data, &vm); err != nil {
		return nil, fmt.Errorf("unmarshal vm: %w", err)
	}
	return &vm, nil
}

func vmNameTaken(tx *bolt.Tx, nodeID, name string) bool {
	return tx.Bucket(bucketVMsByNodeName).Get(compositeVMNameKey(nodeID, name)) != nil
}

// startableStates are the VM states from which a `start` command may be issued.
var startableStates = map[string]bool{model.VMStateStopped: true, model.VMStateError: true, model.VMStateUnknown: true}

// stoppableStates are the VM states from which a `stop` command may be issued.
var stoppableStates = map[string]bool{model.VMStateRunning: true, model.VMStateError: true, model.VMStateUnknown: true}

// deletableStates are the VM states from which a `delete` command may be issued.
var deletableStates = map[string]bool{
	model.VMStateStopped: true, model.VMStateError: true,
	model.VMStateUnknown: true, model.VMStateRunning: true,
}

// CreateVM registers a new VM against an image and immediately queues its
// creation operation for the owning node's agent to pick up. guestUsername
// and guestPassword are the cloud-init login credentials required by
// spec.md §4.1; the password is never persisted and is not returned on the
// Operation either (its Request carries only the username), so the caller
// folds its own copy into the dispatch command.
func (s *Store) CreateVM(nodeID, name, imageID string, vcpu, memoryMB, diskGB int, bridge, guestUsername, guestPassword string) (*model.VM, *model.Operation, Outcome, error) {
	var vm *model.VM
	var op *model.Operation
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
		if !vmCapabilityReady(n.Capabilities) {
			return errOutcome(CapabilityNotReady)
		}
		if !vmNameRe.MatchString(name) {
			return errOutcome(InvalidName)
		}
		if guestUsername == "" || guestPassword == "" {
			return errOutcome(InvalidPayload)
		}
		if vcpu < minVCPU || vcpu > maxVCPU {
			return errOutcome(InvalidPayload)
		}
		if memoryMB < minMemoryMB || memoryMB > maxMemoryMB {
			return errOutcome(InvalidPayload)
		}
		if diskGB < minDiskGB || diskGB > maxDiskGB {
			return errOutcome(InvalidPayload)
		}
		if vmNameTaken(tx, nodeID, name) {
			return errOutcome(DuplicateName)
		}
		img, err := getImage(tx, imageID)
		if err != nil {
			return err
		}
		if img == nil {
			return errOutcome(ImageNotFound)
		}

		now := s.now()
		vm = &model.VM{
			ID:         newID(),
			NodeID:     nodeID,
			Name:       name,
			DomainName: "lattice-" + shortSuffix(),
			State:      model.VMStateCreating,
			Provider:   "libvirt",
			ImageID:    imageID,
			VCPU:       vcpu,
			MemoryMB:   memoryMB,
			DiskGB:     diskGB,
			Bridge:     bridge,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := putVM(tx, vm); err != nil {
			return err
		}

		op = &model.Operation{
			ID:            newID(),
			NodeID:        nodeID,
			VMID:          vm.ID,
			OperationType: model.OpCreate,
			Status:        model.OpStatusQueued,
			Request: map[string]any{
				"name":      name,
				"image_id":  imageID,
				"vcpu":      vcpu,
				"memory_mb": memoryMB,
				"disk_gb":   diskGB,
				"bridge":    bridge,
				"guest":     map[string]any{"username": guestUsername},
			},
			CreatedAt: now,
		}
		return putOperation(tx, op)
	})
	if outcome, ok := asOutcome(err); ok {
		return nil, nil, outcome, nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	return vm, op, OK, nil
}

func shortSuffix() string {
	id := newID()
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// QueueVMAction validates the requested lifecycle action against the VM's
// current state and, if valid, enqueues a new operation for dispatch.
func (s *Store) QueueVMAction(vmID, opType string) (*model.Operation, Outcome, error) {
	var op *model.Operation
	err := s.db.Update(func(tx *bolt.Tx) error {
		vm, err := getVM(tx, vmID)
		if err != nil {
			return err
		}
		if vm == nil {
			return errOutcome(VMNotFound)
		}

		switch opType {
		case model.OpStart:
			if !startableStates[vm.State] {
				return errOutcome(InvalidState)
			}
		case model.OpStop:
			if !stoppableStates[vm.State] {
				return errOutcome(InvalidState)
			}
		case model.OpReboot:
			if vm.State != model.VMStateRunning {
				return errOutcome(InvalidState)
			}
		case model.OpDelete:
			if !deletableStates[vm.State] {
				return errOutcome(InvalidState)
			}
		case model.OpSync:
			// always permitted
		default:
			return errOutcome(InvalidPayload)
		}

		now := s.now()
		op = &model.Operation{
			ID:            newID(),
			NodeID:        vm.NodeID,
			VMID:          vm.ID,
			OperationType: opType,
			Status:        model.OpStatusQueued,
			CreatedAt:     now,
		}
		if err := putOperation(tx, op); err != nil {
			return err
		}

		switch opType {
		case model.OpStart, model.OpStop:
			vm.State = model.VMStateUnknown
		case model.OpReboot:
			vm.State = model.VMStateRebooting
		case model.OpDelete:
			vm.State = model.VMStateDeleting
		}
		vm.UpdatedAt = now
		return putVM(tx, vm)
	})
	if outcome, ok := asOutcome(err); ok {
		return nil, outcome, nil
	}
	if err != nil {
		return nil, "", err
	}
	return op, OK, nil
}

// GetVM fetches a single VM by id.
func (s *Store) GetVM(vmID string) (*model.VM, Outcome, error) {
	var vm *model.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getVM(tx, vmID)
		vm = v
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if vm == nil {
		return nil, VMNotFound, nil
	}
	return vm, OK, nil
}

// ListVMsByNode returns every VM belonging to a node.
func (s *Store) ListVMsByNode(nodeID string) ([]*model.VM, error) {
	var vms []*model.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(nodeID + "\x00")
		c := tx.Bucket(bucketVMsByNodeName).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			vm, err := getVM(tx, string(v))
			if err != nil {
				return err
			}
			if vm != nil {
				vms = append(vms, vm)
			}
		}
		return nil
	})
	return vms, err
}

func deleteNodeVMsAndOps(tx *bolt.Tx, nodeID string) error {
	var vmIDs []string
	prefix := []byte(nodeID + "\x00")
	c := tx.Bucket(bucketVMsByNodeName).Cursor()
	var keys [][]byte
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		kc := make([]byte, len(k))
		copy(kc, k)
		keys = append(keys, kc)
		vmIDs = append(vmIDs, string(v))
	}
	for _, k := range keys {
		if err := tx.Bucket(bucketVMsByNodeName).Delete(k); err != nil {
			return err
		}
	}
	for _, id := range vmIDs {
		vm, err := getVM(tx, id)
		if err != nil {
			return err
		}
		if vm == nil {
			continue
		}
		if err := tx.Bucket(bucketVMsByDomain).Delete([]byte(vm.DomainName)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketVMs).Delete([]byte(id)); err != nil {
			return err
		}
	}
	return deleteOpsByNode(tx, nodeID)
}
