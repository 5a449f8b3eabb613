package ctxmgr

import "testing"

func TestCaseFold(t *testing.T) {
	if CaseFold("#Foo") != "#foo" {
		t.Fatalf("got %q", CaseFold("#Foo"))
	}
	if CaseFold("Nick[]\\~") != CaseFold("nick{}|^") {
		t.Fatalf("RFC1459 casemapping mismatch: %q vs %q", CaseFold("Nick[]\\~"), CaseFold("nick{}|^"))
	}
}

func TestNewHasStatusContext(t *testing.T) {
	m := New(100, nil)
	if _, ok := m.GetContext("Status"); !ok {
		t.Fatal("expected Status context to exist")
	}
	active := m.ActiveContext()
	if active == nil || active.Name != StatusContextName {
		t.Fatalf("expected Status to be active, got %+v", active)
	}
}

func TestCreateContextUniqueAfterCaseFold(t *testing.T) {
	m := New(100, nil)
	if _, err := m.CreateContext("#chat", TypeChannel, ""); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if _, err := m.CreateContext("#CHAT", TypeChannel, ""); err == nil {
		t.Fatal("expected duplicate context error")
	}
}

func TestScrollbackEvictsOldestOverMaxHistory(t *testing.T) {
	m := New(3, nil)
	m.CreateContext("#chat", TypeChannel, NotJoined)
	for i := 0; i < 5; i++ {
		if err := m.AddMessageToContext("#chat", "line", "default", 1); err != nil {
			t.Fatalf("AddMessageToContext: %v", err)
		}
	}
	c, _ := m.GetContext("#chat")
	if c.Len() > 3 {
		t.Fatalf("expected scrollback capped at 3, got %d", c.Len())
	}
}

func TestScrollbackOffsetPinsWhileScrolledUp(t *testing.T) {
	m := New(100, nil)
	m.CreateContext("#chat", TypeChannel, NotJoined)
	m.SetActiveContext("#chat")
	c, _ := m.GetContext("#chat")
	c.ScrollbackOffset = 5

	m.AddMessageToContext("#chat", "new line", "default", 2)

	if c.ScrollbackOffset != 7 {
		t.Fatalf("expected offset to advance to 7, got %d", c.ScrollbackOffset)
	}
}

func TestJoinStatusFullyJoinedUpdatesCurrentlyJoined(t *testing.T) {
	m := New(100, nil)
	m.CreateContext("#chat", TypeChannel, PendingInitialJoin)
	m.SetJoinStatus("#chat", JoinCommandSent)
	m.SetJoinStatus("#chat", SelfJoinReceived)
	m.SetJoinStatus("#chat", FullyJoined)

	joined := m.CurrentlyJoinedChannels()
	if len(joined) != 1 || joined[0] != "#chat" {
		t.Fatalf("unexpected joined set: %v", joined)
	}
}

func TestUserListUniqueAndRenamePreservesPrefix(t *testing.T) {
	m := New(100, nil)
	m.CreateContext("#chat", TypeChannel, NotJoined)
	m.AddUser("#chat", "alice", "@")
	m.AddUser("#chat", "alice", "@") // idempotent, still unique

	c, _ := m.GetContext("#chat")
	if len(c.Users) != 1 {
		t.Fatalf("expected 1 unique user, got %d", len(c.Users))
	}

	m.RenameUser("alice", "alice2")
	c, _ = m.GetContext("#chat")
	if c.Users["alice2"] != "@" {
		t.Fatalf("expected prefix preserved after rename, got %q", c.Users["alice2"])
	}
	if _, stillThere := c.Users["alice"]; stillThere {
		t.Fatal("expected old nick removed after rename")
	}
}

func TestGetAllContextNamesOrdering(t *testing.T) {
	m := New(100, nil)
	m.EnsureDCCContext()
	m.CreateContext("#zzz", TypeChannel, NotJoined)
	m.CreateContext("#aaa", TypeChannel, NotJoined)

	names := m.GetAllContextNames()
	if names[0] != "Status" {
		t.Fatalf("expected Status first, got %v", names)
	}
	if names[len(names)-1] != "DCC" {
		t.Fatalf("expected DCC last, got %v", names)
	}
}

func TestSwitchActiveByIndexAndSubstring(t *testing.T) {
	m := New(100, nil)
	m.CreateContext("#chat", TypeChannel, NotJoined)
	m.CreateContext("#other", TypeChannel, NotJoined)

	if err := m.SwitchActive("2", false); err != nil {
		t.Fatalf("SwitchActive by index: %v", err)
	}

	if err := m.SwitchActive("chat", false); err != nil {
		t.Fatalf("SwitchActive by substring: %v", err)
	}
	if m.ActiveContext().Name != "#chat" {
		t.Fatalf("expected #chat active, got %s", m.ActiveContext().Name)
	}
}

func TestSwitchActiveAmbiguousSubstring(t *testing.T) {
	m := New(100, nil)
	m.CreateContext("#chatops", TypeChannel, NotJoined)
	m.CreateContext("#chatroom", TypeChannel, NotJoined)

	if err := m.SwitchActive("chat", false); err == nil {
		t.Fatal("expected ambiguous match error")
	}
}

func TestSwitchActiveNextPrevCycles(t *testing.T) {
	m := New(100, nil)
	m.CreateContext("#a", TypeChannel, NotJoined)
	m.CreateContext("#b", TypeChannel, NotJoined)

	start := m.ActiveContext().Name
	if err := m.SwitchActive("next", false); err != nil {
		t.Fatalf("SwitchActive next: %v", err)
	}
	if m.ActiveContext().Name == start {
		t.Fatal("expected active context to change on next")
	}
	if err := m.SwitchActive("prev", false); err != nil {
		t.Fatalf("SwitchActive prev: %v", err)
	}
	if m.ActiveContext().Name != start {
		t.Fatalf("expected to cycle back to %s, got %s", start, m.ActiveContext().Name)
	}
}
