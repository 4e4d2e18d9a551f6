package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/illyvia/lattice/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lattice.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndPairNode(t *testing.T) {
	s := openTestStore(t)

	node, outcome, err := s.CreateNode("")
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if outcome != OK {
		t.Fatalf("expected OK, got %s", outcome)
	}
	if node.State != model.NodeStatePending {
		t.Fatalf("expected pending state, got %s", node.State)
	}
	if len(node.PairCode) != pairCodeLength {
		t.Fatalf("expected %d-char pair code, got %q", pairCodeLength, node.PairCode)
	}

	paired, token, outcome, err := s.PairNode(node.PairCode)
	if err != nil {
		t.Fatalf("pair node: %v", err)
	}
	if outcome != OK {
		t.Fatalf("expected OK, got %s", outcome)
	}
	if token == "" {
		t.Fatal("expected non-empty pair token")
	}
	if paired.State != model.NodeStatePaired {
		t.Fatalf("expected paired state, got %s", paired.State)
	}

	// the code is single-use
	if _, _, outcome, err := s.PairNode(node.PairCode); err != nil || outcome != InvalidCode {
		t.Fatalf("expected invalid_code on reuse, got outcome=%s err=%v", outcome, err)
	}

	authed, outcome, err := s.AuthenticateNode(token)
	if err != nil {
		t.Fatalf("authenticate node: %v", err)
	}
	if outcome != OK || authed.ID != node.ID {
		t.Fatalf("expected authenticated node match, got outcome=%s", outcome)
	}
}

func TestPairNodeInvalidCode(t *testing.T) {
	s := openTestStore(t)
	if _, _, outcome, err := s.PairNode("ZZZZZZ"); err != nil || outcome != InvalidCode {
		t.Fatalf("expected invalid_code, got outcome=%s err=%v", outcome, err)
	}
}

func TestRecordHeartbeatClampsMetrics(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	_, _, outcome, err := s.PairNode(node.PairCode)
	if err != nil || outcome != OK {
		t.Fatalf("pair node: outcome=%s err=%v", outcome, err)
	}

	metrics := &model.RuntimeMetrics{
		CPUPercent:      150,
		MemoryPercent:   -5,
		MemoryUsedBytes: -10,
	}
	outcome, err = s.RecordHeartbeat(node.ID, "host1", "abc123", nil, nil, metrics)
	if err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}
	if outcome != OK {
		t.Fatalf("expected OK, got %s", outcome)
	}

	got, outcome, err := s.GetNode(node.ID)
	if err != nil || outcome != OK {
		t.Fatalf("get node: outcome=%s err=%v", outcome, err)
	}
	if got.RuntimeMetrics.CPUPercent != 100 {
		t.Errorf("expected CPU clamped to 100, got %f", got.RuntimeMetrics.CPUPercent)
	}
	if got.RuntimeMetrics.MemoryPercent != 0 {
		t.Errorf("expected memory percent clamped to 0, got %f", got.RuntimeMetrics.MemoryPercent)
	}
	if got.RuntimeMetrics.MemoryUsedBytes != 0 {
		t.Errorf("expected memory bytes floored to 0, got %d", got.RuntimeMetrics.MemoryUsedBytes)
	}
	if got.AgentHostname != "host1" {
		t.Errorf("expected hostname recorded, got %q", got.AgentHostname)
	}
}

func TestHeartbeatRejectsUnpairedNode(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	if outcome, err := s.RecordHeartbeat(node.ID, "h", "c", nil, nil, nil); err != nil || outcome != NodeNotPaired {
		t.Fatalf("expected node_not_paired, got outcome=%s err=%v", outcome, err)
	}
}

func TestNodeLogAppendAndList(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")

	for i := 0; i < 5; i++ {
		if _, outcome, err := s.AppendNodeLog(node.ID, model.LogInfo, "line", nil); err != nil || outcome != OK {
			t.Fatalf("append log: outcome=%s err=%v", outcome, err)
		}
	}

	tail, outcome, err := s.ListNodeLogs(node.ID, 0, 2)
	if err != nil || outcome != OK {
		t.Fatalf("list logs: outcome=%s err=%v", outcome, err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tail))
	}
	if tail[0].ID != 4 || tail[1].ID != 5 {
		t.Fatalf("expected ascending tail ids [4 5], got [%d %d]", tail[0].ID, tail[1].ID)
	}

	since, outcome, err := s.ListNodeLogs(node.ID, 3, 0)
	if err != nil || outcome != OK {
		t.Fatalf("list since: outcome=%s err=%v", outcome, err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 entries after id 3, got %d", len(since))
	}
}

func TestVMLifecycleStateMachine(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)

	images, err := s.ListImages()
	if err != nil || len(images) == 0 {
		t.Fatalf("expected seeded default images, got %d err=%v", len(images), err)
	}

	if _, err := s.RecordHeartbeat(node.ID, "", "", nil, map[string]any{"vm": map[string]any{"ready": true}}, nil); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	vm, op, outcome, err := s.CreateVM(node.ID, "web-1", images[0].ID, 2, 2048, 20, "br0", "lattice", "s3cret")
	if err != nil || outcome != OK {
		t.Fatalf("create vm: outcome=%s err=%v", outcome, err)
	}
	if vm.State != model.VMStateCreating {
		t.Fatalf("expected creating state, got %s", vm.State)
	}

	// start is invalid while creating
	if _, outcome, err := s.QueueVMAction(vm.ID, model.OpStart); err != nil || outcome != InvalidState {
		t.Fatalf("expected invalid_state starting a creating vm, got outcome=%s err=%v", outcome, err)
	}

	if outcome, err := s.ApplyVMCommandResult(op.ID, model.OpStatusSucceeded, map[string]any{"power_state": "running"}, ""); err != nil || outcome != OK {
		t.Fatalf("apply create result: outcome=%s err=%v", outcome, err)
	}

	vm, outcome, err = s.GetVM(vm.ID)
	if err != nil || outcome != OK || vm.State != model.VMStateRunning {
		t.Fatalf("expected running vm, got state=%s outcome=%s err=%v", vm.State, outcome, err)
	}

	stopOp, outcome, err := s.QueueVMAction(vm.ID, model.OpStop)
	if err != nil || outcome != OK {
		t.Fatalf("queue stop: outcome=%s err=%v", outcome, err)
	}
	if outcome, err := s.ApplyVMCommandResult(stopOp.ID, model.OpStatusSucceeded, map[string]any{"power_state": "shut off"}, ""); err != nil || outcome != OK {
		t.Fatalf("apply stop result: outcome=%s err=%v", outcome, err)
	}

	vm, _, _ = s.GetVM(vm.ID)
	if vm.State != model.VMStateStopped {
		t.Fatalf("expected stopped vm, got %s", vm.State)
	}

	delOp, outcome, err := s.QueueVMAction(vm.ID, model.OpDelete)
	if err != nil || outcome != OK {
		t.Fatalf("queue delete: outcome=%s err=%v", outcome, err)
	}
	if outcome, err := s.ApplyVMCommandResult(delOp.ID, model.OpStatusSucceeded, nil, ""); err != nil || outcome != OK {
		t.Fatalf("apply delete result: outcome=%s err=%v", outcome, err)
	}
	if _, outcome, _ := s.GetVM(vm.ID); outcome != VMNotFound {
		t.Fatalf("expected vm_not_found after delete, got %s", outcome)
	}
}

func TestFailStaleOperations(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)
	images, _ := s.ListImages()

	if _, err := s.RecordHeartbeat(node.ID, "", "", nil, map[string]any{"vm": map[string]any{"ready": true}}, nil); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	fc := &fakeClock{t: time.Now().Add(-time.Hour)}
	s.SetClock(fc)
	vm, op, outcome, err := s.CreateVM(node.ID, "stale-1", images[0].ID, 1, 1024, 10, "br0", "lattice", "s3cret")
	if err != nil || outcome != OK {
		t.Fatalf("create vm: outcome=%s err=%v", outcome, err)
	}

	fc.t = time.Now()
	n, err := s.FailStaleOperations(time.Minute)
	if err != nil {
		t.Fatalf("fail stale operations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale operation, got %d", n)
	}

	got, outcome, err := s.GetOperation(op.ID)
	if err != nil || outcome != OK {
		t.Fatalf("get operation: outcome=%s err=%v", outcome, err)
	}
	if got.Status != model.OpStatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}

	gotVM, _, _ := s.GetVM(vm.ID)
	if gotVM.State != model.VMStateError {
		t.Fatalf("expected vm in error state after stale sweep, got %s", gotVM.State)
	}
}

func TestCreateVMRequiresCapabilityReady(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)
	images, _ := s.ListImages()

	_, _, outcome, err := s.CreateVM(node.ID, "no-cap", images[0].ID, 1, 1024, 10, "br0", "lattice", "s3cret")
	if err != nil {
		t.Fatalf("create vm: %v", err)
	}
	if outcome != CapabilityNotReady {
		t.Fatalf("expected capability_not_ready, got %s", outcome)
	}
}

func TestCreateVMValidatesNameAndRanges(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)
	images, _ := s.ListImages()
	if _, err := s.RecordHeartbeat(node.ID, "", "", nil, map[string]any{"vm": map[string]any{"ready": true}}, nil); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	cases := []struct {
		name                                string
		vmName                              string
		vcpu, memoryMB, diskGB              int
		username, password                  string
		want                                Outcome
	}{
		{"bad name (too short)", "ab", 1, 1024, 10, "lattice", "s3cret", InvalidName},
		{"bad name (uppercase)", "Web-1", 1, 1024, 10, "lattice", "s3cret", InvalidName},
		{"missing guest username", "web-2", 1, 1024, 10, "", "s3cret", InvalidPayload},
		{"missing guest password", "web-3", 1, 1024, 10, "lattice", "", InvalidPayload},
		{"vcpu too low", "web-4", 0, 1024, 10, "lattice", "s3cret", InvalidPayload},
		{"vcpu too high", "web-5", 33, 1024, 10, "lattice", "s3cret", InvalidPayload},
		{"memory too low", "web-6", 1, 256, 10, "lattice", "s3cret", InvalidPayload},
		{"memory too high", "web-7", 1, 300000, 10, "lattice", "s3cret", InvalidPayload},
		{"disk too low", "web-8", 1, 1024, 5, "lattice", "s3cret", InvalidPayload},
		{"disk too high", "web-9", 1, 1024, 5000, "lattice", "s3cret", InvalidPayload},
	}
	for _, tc := range cases {
		_, _, outcome, err := s.CreateVM(node.ID, tc.vmName, images[0].ID, tc.vcpu, tc.memoryMB, tc.diskGB, "br0", tc.username, tc.password)
		if err != nil {
			t.Fatalf("%s: create vm: %v", tc.name, err)
		}
		if outcome != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, outcome)
		}
	}
}

func TestCreateVMRedactsGuestPassword(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)
	images, _ := s.ListImages()
	if _, err := s.RecordHeartbeat(node.ID, "", "", nil, map[string]any{"vm": map[string]any{"ready": true}}, nil); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	_, op, outcome, err := s.CreateVM(node.ID, "web-secret", images[0].ID, 1, 1024, 10, "br0", "lattice", "s3cret")
	if err != nil || outcome != OK {
		t.Fatalf("create vm: outcome=%s err=%v", outcome, err)
	}
	guest, ok := op.Request["guest"].(map[string]any)
	if !ok {
		t.Fatalf("expected guest field in operation request, got %+v", op.Request)
	}
	if guest["username"] != "lattice" {
		t.Fatalf("expected guest username persisted, got %v", guest["username"])
	}
	if _, hasPassword := guest["password"]; hasPassword {
		t.Fatalf("guest password must never be persisted on the operation, got %+v", guest)
	}
}

func TestQueueVMActionSetsSpeculativeState(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)
	images, _ := s.ListImages()
	if _, err := s.RecordHeartbeat(node.ID, "", "", nil, map[string]any{"vm": map[string]any{"ready": true}}, nil); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	vm, op, outcome, err := s.CreateVM(node.ID, "web-spec", images[0].ID, 1, 1024, 10, "br0", "lattice", "s3cret")
	if err != nil || outcome != OK {
		t.Fatalf("create vm: outcome=%s err=%v", outcome, err)
	}
	if _, err := s.ApplyVMCommandResult(op.ID, model.OpStatusSucceeded, map[string]any{"power_state": "running"}, ""); err != nil {
		t.Fatalf("apply create result: %v", err)
	}

	if _, outcome, err := s.QueueVMAction(vm.ID, model.OpStop); err != nil || outcome != OK {
		t.Fatalf("queue stop: outcome=%s err=%v", outcome, err)
	}
	vm, _, _ = s.GetVM(vm.ID)
	if vm.State != model.VMStateUnknown {
		t.Fatalf("expected unknown state speculatively after queuing stop, got %s", vm.State)
	}

	// Apply an agent result to bring it back to a startable state, then
	// confirm `start` also speculatively marks it unknown rather than
	// leaving the prior state in place until the agent responds.
	if _, err := s.ApplyVMCommandResult(s.mustFindOperation(t, vm.ID, model.OpStop).ID, model.OpStatusSucceeded, map[string]any{"power_state": "shut off"}, ""); err != nil {
		t.Fatalf("apply stop result: %v", err)
	}
	vm, _, _ = s.GetVM(vm.ID)
	if vm.State != model.VMStateStopped {
		t.Fatalf("expected stopped vm, got %s", vm.State)
	}

	if _, outcome, err := s.QueueVMAction(vm.ID, model.OpStart); err != nil || outcome != OK {
		t.Fatalf("queue start: outcome=%s err=%v", outcome, err)
	}
	vm, _, _ = s.GetVM(vm.ID)
	if vm.State != model.VMStateUnknown {
		t.Fatalf("expected unknown state speculatively after queuing start, got %s", vm.State)
	}
}

// mustFindOperation returns the most recent operation of the given type for
// a VM, for tests that need to apply a result without threading the
// Operation returned by QueueVMAction through extra plumbing.
func (s *Store) mustFindOperation(t *testing.T, vmID, opType string) *model.Operation {
	t.Helper()
	ops, err := s.ListOperationsByVM(vmID)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	for _, op := range ops {
		if op.OperationType == opType {
			return op
		}
	}
	t.Fatalf("no %s operation found for vm %s", opType, vmID)
	return nil
}

func TestApplyVMCommandRunningDoesNotRegressOperation(t *testing.T) {
	s := openTestStore(t)
	node, _, _ := s.CreateNode("")
	s.PairNode(node.PairCode)
	images, _ := s.ListImages()
	if _, err := s.RecordHeartbeat(node.ID, "", "", nil, map[string]any{"vm": map[string]any{"ready": true}}, nil); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	vm, op, outcome, err := s.CreateVM(node.ID, "web-running", images[0].ID, 1, 1024, 10, "br0", "lattice", "s3cret")
	if err != nil || outcome != OK {
		t.Fatalf("create vm: outcome=%s err=%v", outcome, err)
	}

	// An intermediate "running" progress report must not fail the
	// operation or touch the VM, so a later genuine "succeeded" result
	// can still be applied.
	if outcome, err := s.ApplyVMCommandResult(op.ID, model.OpStatusRunning, nil, ""); err != nil || outcome != OK {
		t.Fatalf("apply running result: outcome=%s err=%v", outcome, err)
	}

	got, outcome, err := s.GetOperation(op.ID)
	if err != nil || outcome != OK {
		t.Fatalf("get operation: outcome=%s err=%v", outcome, err)
	}
	if got.Status != model.OpStatusQueued {
		t.Fatalf("expected operation to remain queued after a running report, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at to be set by the running report")
	}
	gotVM, _, _ := s.GetVM(vm.ID)
	if gotVM.State != model.VMStateCreating {
		t.Fatalf("expected vm state untouched by a running report, got %s", gotVM.State)
	}

	// A second running report must not move started_at.
	firstStarted := *got.StartedAt
	if outcome, err := s.ApplyVMCommandResult(op.ID, model.OpStatusRunning, nil, ""); err != nil || outcome != OK {
		t.Fatalf("apply second running result: outcome=%s err=%v", outcome, err)
	}
	got, _, _ = s.GetOperation(op.ID)
	if !got.StartedAt.Equal(firstStarted) {
		t.Fatalf("expected started_at to stay stable across running reports")
	}

	// The eventual terminal succeeded result must still apply cleanly.
	if outcome, err := s.ApplyVMCommandResult(op.ID, model.OpStatusSucceeded, map[string]any{"power_state": "running"}, ""); err != nil || outcome != OK {
		t.Fatalf("apply succeeded result: outcome=%s err=%v", outcome, err)
	}
	got, _, _ = s.GetOperation(op.ID)
	if got.Status != model.OpStatusSucceeded {
		t.Fatalf("expected succeeded status after terminal report, got %s", got.Status)
	}
	gotVM, _, _ = s.GetVM(vm.ID)
	if gotVM.State != model.VMStateRunning {
		t.Fatalf("expected vm running after terminal report, got %s", gotVM.State)
	}
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time                        { return f.t }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.t.Sub(t) }
