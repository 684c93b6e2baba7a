package memory

import (
	"strings"
	"testing"
)

func TestZZDebugMessageReadState(t *testing.T) {
	m, st := newTestManager(t)

	if _, err := m.EndSession("completed", EndSessionOptions{
		WarningsForNext: []string{"stripe sandbox is flaky"},
	}); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	next, err := NewManager(st, 2)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	unread, err := next.UnreadMessages()
	t.Logf("unread before render: %+v err=%v", unread, err)

	got := next.FullContext()
	t.Logf("first render contains msg: %v", strings.Contains(got, "stripe sandbox is flaky"))

	all, err := st.ListAgentMessages(0)
	t.Logf("after render err=%v", err)
	for _, msg := range all {
		t.Logf("msg %s created_by=%d read_by=%v", msg.MessageID, msg.CreatedBySession, msg.ReadBySessions)
	}

	if err := st.MarkMessageRead("MSG-1-1", 2); err != nil {
		t.Logf("explicit MarkMessageRead err: %v", err)
	}
	all, _ = st.ListAgentMessages(0)
	for _, msg := range all {
		t.Logf("after explicit mark: msg %s read_by=%v", msg.MessageID, msg.ReadBySessions)
	}

	got = next.FullContext()
	t.Logf("second render contains msg: %v", strings.Contains(got, "stripe sandbox is flaky"))
}
