package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/illyvia/lattice/internal/store"
)

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.store.ListImages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	vms, err := s.store.ListVMsByNode(nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("vm_id")
	vm, outcome, err := s.store.GetVM(vmID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "vm not found")
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("vm_id")
	ops, err := s.store.ListOperationsByVM(vmID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	var req struct {
		Name     string `json:"name"`
		ImageID  string `json:"image_id"`
		VCPU     int    `json:"vcpu"`
		MemoryMB int    `json:"memory_mb"`
		DiskGB   int    `json:"disk_gb"`
		Bridge   string `json:"bridge"`
		Guest    struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"guest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	vm, op, outcome, err := s.store.CreateVM(nodeID, req.Name, req.ImageID, req.VCPU, req.MemoryMB, req.DiskGB, req.Bridge, req.Guest.Username, req.Guest.Password)
	if err != nil {
		s.log.Error("create vm failed", "error", err, "node_id", nodeID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), createVMErrorMessage(outcome))
		return
	}

	image, _, err := s.store.GetImage(vm.ImageID)
	if err != nil {
		s.log.Error("load vm image failed", "error", err, "image_id", vm.ImageID)
	}
	var imageSpec map[string]any
	if image != nil {
		imageSpec = map[string]any{
			"id":         image.ID,
			"source_url": image.SourceURL,
			"os_family":  image.OSFamily,
		}
	}

	// The guest password is only ever placed in this transient dispatch
	// command, never persisted (see Store.CreateVM), per spec.md §4.1.
	s.dispatchVMCommand(nodeID, op, map[string]any{
		"type":         "vm_create",
		"command_type": "vm_create",
		"command_id":   op.ID,
		"operation_id": op.ID,
		"vm_id":        vm.ID,
		"domain_name":  vm.DomainName,
		"spec": map[string]any{
			"name":      vm.Name,
			"image_id":  vm.ImageID,
			"vcpu":      vm.VCPU,
			"memory_mb": vm.MemoryMB,
			"disk_gb":   vm.DiskGB,
			"bridge":    vm.Bridge,
			"image":     imageSpec,
			"guest": map[string]any{
				"username": req.Guest.Username,
				"password": req.Guest.Password,
			},
		},
	})

	writeJSON(w, http.StatusCreated, map[string]any{"vm": vm, "operation": op})
}

func createVMErrorMessage(o store.Outcome) string {
	switch o {
	case store.NodeNotPaired:
		return "node is not paired"
	case store.CapabilityNotReady:
		return "node has not reported vm capability as ready"
	case store.ImageNotFound:
		return "image not found"
	case store.DuplicateName:
		return "a vm with this name already exists on this node"
	case store.InvalidName:
		return "invalid vm name: must match ^[a-z0-9-]{3,32}$"
	case store.InvalidPayload:
		return "invalid vm spec: guest credentials required, vcpu/memory_mb/disk_gb out of range"
	default:
		return "unable to create vm"
	}
}

var vmActionToOpType = map[string]string{
	"start":  "start",
	"stop":   "stop",
	"reboot": "reboot",
	"delete": "delete",
}

func (s *Server) handleVMAction(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	vmID := r.PathValue("vm_id")
	action := r.PathValue("action")

	opType, ok := vmActionToOpType[action]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	op, outcome, err := s.store.QueueVMAction(vmID, opType)
	if err != nil {
		s.log.Error("queue vm action failed", "error", err, "vm_id", vmID, "action", action)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), vmActionErrorMessage(opType, outcome))
		return
	}

	domainName := ""
	if vm, vmOutcome, err := s.store.GetVM(vmID); err == nil && vmOutcome == store.OK {
		domainName = vm.DomainName
	}
	s.dispatchVMCommand(nodeID, op, map[string]any{
		"type":         "vm_" + opType,
		"command_type": "vm_" + opType,
		"command_id":   op.ID,
		"operation_id": op.ID,
		"vm_id":        vmID,
		"domain_name":  domainName,
	})

	writeJSON(w, http.StatusAccepted, op)
}

func vmActionErrorMessage(opType string, o store.Outcome) string {
	if o == store.InvalidState {
		switch opType {
		case "start":
			return "vm is already running"
		case "stop":
			return "vm is already stopped"
		default:
			return "vm is not in a state that allows this action"
		}
	}
	return "unable to queue vm action"
}

// dispatchVMCommand enqueues a VM command to both Router queues: the
// long-poll FIFO, from which a polling agent takes and executes it on its
// next request, and the websocket outbound FIFO, which forwards it to a
// connected agent. The forwarded frame's type is "vm_<op>", not
// wire.TypeCommand, so the agent's websocket reader does not execute it (it
// answers with an unsupported_type error frame); execution happens through
// the long-poll path.
func (s *Server) dispatchVMCommand(nodeID string, op any, command map[string]any) {
	s.router.EnqueuePending(nodeID, command)
	s.router.EnqueueOutbound(nodeID, command)
}
