package node

import "sync/atomic"

// State captures the lifecycle of a streamlet node: Discovering, Running, or
// Shutdown.
type State uint32

const (
	//Discovering is the initial state: the node advertises its key and
	//collects the other validators' keys. No blocks are proposed or voted.
	Discovering State = iota
	//Running is the consensus state: the epoch timer ticks and the node takes
	//part in propose/vote rounds.
	Running
	//Shutdown is shutdown
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Discovering:
		return "Discovering"
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state uint32
}

func (b *state) getState() State {
	return State(atomic.LoadUint32(&b.state))
}

func (b *state) setState(s State) {
	atomic.StoreUint32(&b.state, uint32(s))
}

// Phase tracks where this node stands within the current epoch.
type Phase uint8

const (
	// Idle: the epoch has not started yet.
	Idle Phase = iota
	// AwaitingProposal: waiting for the epoch leader's block.
	AwaitingProposal
	// Voted: this node has cast its vote for the epoch's proposal.
	Voted
	// Notarized: the epoch's proposal reached quorum at this node.
	Notarized
	// TimedOut: the epoch ended without a notarized block.
	TimedOut
)

// String ...
func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case AwaitingProposal:
		return "AwaitingProposal"
	case Voted:
		return "Voted"
	case Notarized:
		return "Notarized"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}
