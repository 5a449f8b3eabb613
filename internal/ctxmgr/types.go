package ctxmgr

import "time"

// Type classifies a Context per spec §3.
type Type string

const (
	TypeStatus       Type = "status"
	TypeChannel      Type = "channel"
	TypeQuery        Type = "query"
	TypeDCCTransfers Type = "dcc_transfers"
	TypeListResults  Type = "list_results"
	TypeGeneric      Type = "generic"
)

// JoinStatus is the per-channel join handshake sub-state machine.
type JoinStatus string

const (
	NotJoined           JoinStatus = "NOT_JOINED"
	PendingInitialJoin  JoinStatus = "PENDING_INITIAL_JOIN"
	JoinCommandSent     JoinStatus = "JOIN_COMMAND_SENT"
	SelfJoinReceived    JoinStatus = "SELF_JOIN_RECEIVED"
	FullyJoined         JoinStatus = "FULLY_JOINED"
	JoinFailed          JoinStatus = "JOIN_FAILED"
	Parted              JoinStatus = "PARTED"
)

// ScrollbackLine is one entry of a Context's bounded history.
type ScrollbackLine struct {
	Text      string
	ColorKey  string
	Timestamp time.Time
	LineCount int
}

// Context is a named message destination: a channel, a query, the status
// window, the DCC transfers view, a LIST results view, or a generic window.
type Context struct {
	Name       string
	FoldedName string
	Type       Type
	Topic      string
	TopicSetBy string
	JoinStatus JoinStatus
	Users      map[string]string // nick (as-seen case) -> prefix set, e.g. "@", "+%", ""
	Created    time.Time

	scrollback       []ScrollbackLine
	scrollbackLen    int
	ScrollbackOffset int
}

// Scrollback returns a copy of the current bounded history, oldest first.
func (c *Context) Scrollback() []ScrollbackLine {
	out := make([]ScrollbackLine, len(c.scrollback))
	copy(out, c.scrollback)
	return out
}

// Len returns the total scrollback line count (sum of LineCount, not the
// number of ScrollbackLine entries).
func (c *Context) Len() int { return c.scrollbackLen }
