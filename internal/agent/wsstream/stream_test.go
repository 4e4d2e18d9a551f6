package wsstream

import (
	"testing"

	"github.com/illyvia/lattice/internal/agent/ptymux"
	"github.com/illyvia/lattice/internal/wire"
)

func TestToWebsocketURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://master.local:8080", "ws://master.local:8080/ws/agent"},
		{"https://master.local", "wss://master.local/ws/agent"},
		{"https://master.local/lattice/", "wss://master.local/lattice/ws/agent"},
	}
	for _, c := range cases {
		got, err := toWebsocketURL(c.base, "/ws/agent")
		if err != nil {
			t.Fatalf("toWebsocketURL(%q) error = %v", c.base, err)
		}
		if got != c.want {
			t.Errorf("toWebsocketURL(%q) = %q, want %q", c.base, got, c.want)
		}
	}
}

func TestKindFromRequest(t *testing.T) {
	cases := []struct {
		name string
		f    wire.TerminalControlFrame
		want string
	}{
		{"vm console", wire.TerminalControlFrame{VMID: "vm-1"}, ptymux.KindVMConsole},
		{"container logs", wire.TerminalControlFrame{RuntimeName: "web-1", Tail: 200}, ptymux.KindContainerLogs},
		{"container shell", wire.TerminalControlFrame{RuntimeName: "web-1"}, ptymux.KindContainerShell},
		{"node shell", wire.TerminalControlFrame{}, ptymux.KindNodeShell},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := kindFromRequest(c.f); got != c.want {
				t.Errorf("kindFromRequest(%+v) = %q, want %q", c.f, got, c.want)
			}
		})
	}
}

func TestStreamerHeartbeatFalseWithoutConnection(t *testing.T) {
	s := New("http://master.local", "node-1", "tok-1", nil, nil)
	if s.Heartbeat(map[string]any{"hostname": "box"}) {
		t.Error("expected Heartbeat() = false with no active connection")
	}
}
