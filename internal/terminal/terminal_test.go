package terminal

import "testing"

func TestClampSize(t *testing.T) {
	cases := []struct {
		cols, rows         int
		wantCols, wantRows int
	}{
		{80, 24, 80, 24},
		{0, 0, defaultCols, defaultRows},
		{1000, 1000, defaultCols, defaultRows},
		{20, 5, 20, 5},
		{300, 120, 300, 120},
	}
	for _, c := range cases {
		gotCols, gotRows := ClampSize(c.cols, c.rows)
		if gotCols != c.wantCols || gotRows != c.wantRows {
			t.Errorf("ClampSize(%d,%d) = (%d,%d), want (%d,%d)", c.cols, c.rows, gotCols, gotRows, c.wantCols, c.wantRows)
		}
	}
}

func TestOpenAndCloseSession(t *testing.T) {
	m := New()
	s := m.Open("node-1", KindNodeShell, "", "")
	if s.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if _, ok := m.Get(s.SessionID); !ok {
		t.Fatal("expected session to be retrievable")
	}

	if !m.PushInbound(s.SessionID, "hello") {
		t.Fatal("expected push to succeed")
	}
	item, ok := s.PopInbound()
	if !ok || item != "hello" {
		t.Fatalf("expected to pop 'hello', got %v ok=%v", item, ok)
	}

	m.Close(s.SessionID)
	if _, ok := m.Get(s.SessionID); ok {
		t.Fatal("expected session gone after close")
	}
	if _, ok := s.PopInbound(); ok {
		t.Fatal("expected pop on closed queue to fail")
	}
}

func TestCloseAllForNodeForceClosesSessions(t *testing.T) {
	m := New()
	s1 := m.Open("node-1", KindNodeShell, "", "")
	s2 := m.Open("node-1", KindVMConsole, "vm-1", "")
	other := m.Open("node-2", KindNodeShell, "", "")

	m.CloseAllForNode("node-1", "terminal_error: disconnected")

	if _, ok := m.Get(s1.SessionID); ok {
		t.Error("expected s1 closed")
	}
	if _, ok := m.Get(s2.SessionID); ok {
		t.Error("expected s2 closed")
	}
	if _, ok := m.Get(other.SessionID); !ok {
		t.Error("expected other node's session untouched")
	}
}
