// Package ptymux is the Agent Terminal Manager, per spec.md §4.8: a
// Linux-only PTY multiplexer that backs node shells, VM serial consoles,
// container shells, and container log tails. Grounded in the PTY-session
// lifecycle pattern of other_examples' termbrowser terminal manager
// (pty.Start, a persistent reader goroutine, a cmd.Wait cleanup goroutine),
// generalized from a single ssh/tmux target to Lattice's four session kinds
// and re-pointed at virsh/docker instead of ssh/pct/qm.
package ptymux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	agentrunner "github.com/illyvia/lattice/internal/agent/runner"
	"github.com/illyvia/lattice/internal/wire"
)

const (
	readChunk      = 4096
	coalesceWindow = 15 * time.Millisecond
	coalesceMax    = 128 * 1024
)

// Session kinds, mirroring the Master's terminal package constants.
const (
	KindNodeShell      = "node_shell"
	KindVMConsole      = "vm_console"
	KindContainerShell = "container_shell"
	KindContainerLogs  = "container_logs"
)

// OutputFunc delivers a terminal_data/_exit/_error frame for a session back
// to the caller (normally the WebsocketStreamer, which forwards it to the
// Master over /ws/agent).
type OutputFunc func(frame wire.TerminalControlFrame)

// OpenRequest describes a session to open.
type OpenRequest struct {
	SessionID string
	Kind      string
	NodeShell string // $SHELL override, node_shell only
	DomainName string // vm_console only
	RuntimeName string // container_shell/container_logs only
	Tail      int    // container_logs only
	Cols      int
	Rows      int
}

type session struct {
	id        string
	kind      string
	targetKey string
	ptmx      *os.File
	cmd       *exec.Cmd
	readOnly  bool

	closeOnce sync.Once
}

// Manager owns every live PTY session on an agent.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session // session_id -> session
	byTarget map[string]string   // targetKey -> session_id, for displacement

	emit OutputFunc
}

// New constructs a Manager that delivers frames via emit.
func New(emit OutputFunc) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		byTarget: make(map[string]string),
		emit:     emit,
	}
}

// Open starts a new PTY session per req, displacing any prior session for
// the same runtime target first (§4.8 rule 5: the displacing open must not
// emit a spurious terminal_exit for the displaced session -- it is closed
// silently before the new one starts).
func (m *Manager) Open(req OpenRequest) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("terminal sessions are only supported on linux")
	}

	targetKey := req.Kind + ":" + targetName(req)
	m.mu.Lock()
	if prevID, ok := m.byTarget[targetKey]; ok {
		prev := m.sessions[prevID]
		m.mu.Unlock()
		if prev != nil {
			m.closeSilently(prev)
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	cmd, readOnly, err := buildCommand(req)
	if err != nil {
		return err
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return fmt.Errorf("starting pty: %w", err)
	}

	s := &session{
		id:        req.SessionID,
		kind:      req.Kind,
		targetKey: targetKey,
		ptmx:      ptmx,
		cmd:       cmd,
		readOnly:  readOnly,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.byTarget[targetKey] = s.id
	m.mu.Unlock()

	go m.readLoop(s)
	go m.waitLoop(s)
	return nil
}

func targetName(req OpenRequest) string {
	switch req.Kind {
	case KindVMConsole:
		return req.DomainName
	case KindContainerShell, KindContainerLogs:
		return req.RuntimeName
	default:
		return req.SessionID
	}
}

// buildCommand constructs the child process for a session kind. It refuses a
// vm_console or container_shell target that is not running; container_logs
// only checks that the container exists.
func buildCommand(req OpenRequest) (*exec.Cmd, bool, error) {
	ctx := context.Background()
	switch req.Kind {
	case KindNodeShell:
		shell := req.NodeShell
		if shell == "" {
			shell = "/bin/bash"
		}
		cmd := exec.Command(shell)
		cmd.Env = withTerm()
		return cmd, false, nil

	case KindVMConsole:
		if req.DomainName == "" {
			return nil, false, fmt.Errorf("domain_name is required")
		}
		state := agentrunner.RunSudo(ctx, 10*time.Second, "virsh", "domstate", req.DomainName)
		running := strings.Contains(strings.ToLower(state.Stdout), "running")
		if state.ExitCode != 0 {
			return nil, false, fmt.Errorf("domain %s not found", req.DomainName)
		}
		if !running {
			return nil, false, fmt.Errorf("domain %s is not running", req.DomainName)
		}
		cmd := exec.Command("sudo", "-n", "virsh", "console", req.DomainName, "--force")
		cmd.Env = withTerm()
		return cmd, false, nil

	case KindContainerShell:
		if req.RuntimeName == "" {
			return nil, false, fmt.Errorf("runtime_name is required")
		}
		state := agentrunner.RunSudo(ctx, 10*time.Second, "docker", "inspect", "-f", "{{.State.Status}}", req.RuntimeName)
		if state.ExitCode != 0 {
			return nil, false, fmt.Errorf("container %s not found", req.RuntimeName)
		}
		if !strings.Contains(strings.ToLower(state.Stdout), "running") {
			return nil, false, fmt.Errorf("container %s is not running", req.RuntimeName)
		}
		cmd := exec.Command("sudo", "-n", "docker", "exec", "-it", req.RuntimeName, "/bin/sh", "-lc", "exec bash || exec sh")
		cmd.Env = withTerm()
		return cmd, false, nil

	case KindContainerLogs:
		if req.RuntimeName == "" {
			return nil, false, fmt.Errorf("runtime_name is required")
		}
		state := agentrunner.RunSudo(ctx, 10*time.Second, "docker", "inspect", "-f", "{{.State.Status}}", req.RuntimeName)
		if state.ExitCode != 0 {
			return nil, false, fmt.Errorf("container %s not found", req.RuntimeName)
		}
		tail := clampTail(req.Tail)
		cmd := exec.Command("sudo", "-n", "docker", "logs", "--tail", strconv.Itoa(tail), "-f", req.RuntimeName)
		cmd.Env = withTerm()
		return cmd, true, nil

	default:
		return nil, false, fmt.Errorf("unknown terminal kind: %s", req.Kind)
	}
}

func clampTail(n int) int {
	if n < 1 {
		return 200
	}
	if n > 2000 {
		return 2000
	}
	return n
}

func withTerm() []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	return append(env, "TERM=xterm-256color")
}

// Input writes UI-originated keystrokes to the session's master fd. It is
// a no-op for read-only sessions (container_logs), per §4.8 rule 4.
func (m *Manager) Input(sessionID string, data []byte) {
	s := m.get(sessionID)
	if s == nil || s.readOnly {
		return
	}
	s.ptmx.Write(data)
}

// Resize sets the PTY window size; errors are swallowed per §4.8 rule 4.
func (m *Manager) Resize(sessionID string, cols, rows int) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close terminates a session's child process and releases its PTY.
func (m *Manager) Close(sessionID string) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	m.closeSilently(s)
}

func (m *Manager) get(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// closeSilently tears down a session without emitting a terminal_exit frame
// -- used both for explicit closes and for displacement (§4.8 rule 6).
func (m *Manager) closeSilently(s *session) {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		s.ptmx.Close()
	})
	m.mu.Lock()
	delete(m.sessions, s.id)
	if m.byTarget[s.targetKey] == s.id {
		delete(m.byTarget, s.targetKey)
	}
	m.mu.Unlock()
}

// readLoop coalesces up to coalesceMax bytes (or coalesceWindow of
// inactivity) into a single terminal_data frame, per §4.8 rule 3.
func (m *Manager) readLoop(s *session) {
	buf := make([]byte, readChunk)
	var acc []byte
	flush := func() {
		if len(acc) == 0 {
			return
		}
		m.emit(wire.TerminalControlFrame{Type: wire.TypeTerminalData, SessionID: s.id, Data: append([]byte(nil), acc...)})
		acc = acc[:0]
	}

	for {
		_ = s.ptmx.SetReadDeadline(time.Now().Add(coalesceWindow))
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if len(acc) >= coalesceMax {
				flush()
			}
			continue
		}
		if err != nil {
			if isTimeout(err) {
				flush()
				continue
			}
			flush()
			break
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// waitLoop reaps the child process and emits terminal_exit once it ends,
// unless the session was already removed (displaced or explicitly closed),
// in which case no frame is sent.
func (m *Manager) waitLoop(s *session) {
	err := s.cmd.Wait()

	m.mu.Lock()
	_, stillPresent := m.sessions[s.id]
	if stillPresent {
		delete(m.sessions, s.id)
		if m.byTarget[s.targetKey] == s.id {
			delete(m.byTarget, s.targetKey)
		}
	}
	m.mu.Unlock()

	s.ptmx.Close()
	if !stillPresent {
		return
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	m.emit(wire.TerminalControlFrame{Type: wire.TypeTerminalExit, SessionID: s.id, ExitCode: exitCode})
}
