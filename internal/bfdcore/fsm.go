package bfdcore

import "time"

// This file implements the BFD finite-state machine (RFC 5880 Section 6.2,
// Section 6.8.6). ApplyEvent is a pure function over a transition table: no
// Session dependency, no side effects beyond the Action list it returns.
// ApplyActions, also defined here, carries those actions out against a
// Session; this keeps the transition logic itself trivially testable
// against the RFC's state diagram.
//
//                          +--+
//                          |  | UP, ADMIN DOWN, TIMER
//                          |  V
//                  DOWN  +------+  INIT
//           +------------|      |------------+
//           |            | DOWN |            |
//           |  +-------->|      |<--------+  |
//           |  |         +------+         |  |
//           |  |                          |  |
//           |  |               ADMIN DOWN,|  |
//           |  |ADMIN DOWN,          DOWN,|  |
//           |  |TIMER                TIMER|  |
//           V  |                          |  V
//         +------+                      +------+
//    +----|      |                      |      |----+
// DOWN    | INIT |--------------------->|  UP  |    INIT, UP
//    +--->|      | INIT, UP             |      |<---+
//         +------+                      +------+

// Event is an FSM input (RFC 5880 Section 6.2, Section 6.8.6).
type Event uint8

const (
	EventRecvAdminDown Event = iota
	EventRecvDown
	EventRecvInit
	EventRecvUp
	EventTimerExpired
	EventAdminDown
	EventAdminUp
)

func (e Event) String() string {
	switch e {
	case EventRecvAdminDown:
		return "RecvAdminDown"
	case EventRecvDown:
		return "RecvDown"
	case EventRecvInit:
		return "RecvInit"
	case EventRecvUp:
		return "RecvUp"
	case EventTimerExpired:
		return "TimerExpired"
	case EventAdminDown:
		return "AdminDown"
	case EventAdminUp:
		return "AdminUp"
	default:
		return "Unknown"
	}
}

// Action is a side effect the Dispatcher must carry out after a
// transition. ApplyEvent itself never touches a Session.
type Action uint8

const (
	// ActionSendControl schedules immediate transmission of a control
	// packet (RFC 5880 Section 6.8.7).
	ActionSendControl Action = iota + 1

	// ActionRecordUptime marks the session Up: clears diag, arms
	// polling, records the uptime timestamp, and (via the Dispatcher)
	// evaluates whether to start the echo function.
	ActionRecordUptime

	// ActionRecordDowntime marks the session Down or AdminDown: records
	// the downtime timestamp, clears the remote discriminator, and
	// clears polling/demand-mode.
	ActionRecordDowntime

	// ActionSetDiagTimeExpired sets LocalDiag to DiagControlTimeExpired.
	ActionSetDiagTimeExpired

	// ActionSetDiagNeighborDown sets LocalDiag to DiagNeighborDown.
	ActionSetDiagNeighborDown

	// ActionSetDiagAdminDown sets LocalDiag to DiagAdminDown.
	ActionSetDiagAdminDown

	// ActionNotifyStatus posts a peer-status NotifyOut event carrying
	// the session's new state.
	ActionNotifyStatus
)

func (a Action) String() string {
	switch a {
	case ActionSendControl:
		return "SendControl"
	case ActionRecordUptime:
		return "RecordUptime"
	case ActionRecordDowntime:
		return "RecordDowntime"
	case ActionSetDiagTimeExpired:
		return "SetDiagTimeExpired"
	case ActionSetDiagNeighborDown:
		return "SetDiagNeighborDown"
	case ActionSetDiagAdminDown:
		return "SetDiagAdminDown"
	case ActionNotifyStatus:
		return "NotifyStatus"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// fsmTable is the complete transition table. Pairs not listed here leave
// the state unchanged and produce no actions — AdminDown discards every
// received-packet event (RFC 5880 Section 6.8.6: "If bfd.SessionState is
// AdminDown, discard the packet"), and Down ignores a received Up or a
// timer expiry (the RFC's pseudocode only handles Down and Init locally).
//
// ActionNotifyStatus placement: administrative transitions (EventAdminDown,
// EventAdminUp) always notify, since they change operator-visible state
// unconditionally. Protocol transitions into Up always notify. Protocol
// transitions into Down (EventRecvAdminDown, EventRecvDown, EventTimerExpired)
// notify only when the session was previously Up — a session that never
// reached Up has nothing new to report on falling back to Down.
//
//nolint:gochecknoglobals // transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// --- AdminDown state ---

	// AdminDown + AdminUp -> Down (RFC 5880 Section 6.8.16).
	{StateAdminDown, EventAdminUp}: {
		newState: StateDown,
		actions:  []Action{ActionNotifyStatus},
	},

	// --- Down state ---

	// Down + recv Down -> Init.
	{StateDown, EventRecvDown}: {
		newState: StateInit,
		actions:  []Action{ActionSendControl},
	},

	// Down + recv Init -> Up.
	{StateDown, EventRecvInit}: {
		newState: StateUp,
		actions:  []Action{ActionSendControl, ActionRecordUptime, ActionNotifyStatus},
	},

	// Down + AdminDown -> AdminDown.
	{StateDown, EventAdminDown}: {
		newState: StateAdminDown,
		actions:  []Action{ActionSetDiagAdminDown, ActionRecordDowntime, ActionNotifyStatus},
	},

	// --- Init state ---

	// Init + recv AdminDown -> Down.
	{StateInit, EventRecvAdminDown}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagNeighborDown, ActionRecordDowntime},
	},

	// Init + recv Down -> remain Init (self-loop, RFC 5880 Section 6.2 diagram).
	{StateInit, EventRecvDown}: {
		newState: StateInit,
		actions:  nil,
	},

	// Init + recv Init -> Up.
	{StateInit, EventRecvInit}: {
		newState: StateUp,
		actions:  []Action{ActionSendControl, ActionRecordUptime, ActionNotifyStatus},
	},

	// Init + recv Up -> Up.
	{StateInit, EventRecvUp}: {
		newState: StateUp,
		actions:  []Action{ActionSendControl, ActionRecordUptime, ActionNotifyStatus},
	},

	// Init + timer expired -> Down (RFC 5880 Section 6.8.4).
	{StateInit, EventTimerExpired}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagTimeExpired, ActionRecordDowntime},
	},

	// Init + AdminDown -> AdminDown.
	{StateInit, EventAdminDown}: {
		newState: StateAdminDown,
		actions:  []Action{ActionSetDiagAdminDown, ActionRecordDowntime, ActionNotifyStatus},
	},

	// --- Up state ---

	// Up + recv AdminDown -> Down.
	{StateUp, EventRecvAdminDown}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagNeighborDown, ActionRecordDowntime, ActionNotifyStatus},
	},

	// Up + recv Down -> Down.
	{StateUp, EventRecvDown}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagNeighborDown, ActionRecordDowntime, ActionNotifyStatus},
	},

	// Up + recv Init -> Up (self-loop).
	{StateUp, EventRecvInit}: {
		newState: StateUp,
		actions:  nil,
	},

	// Up + recv Up -> Up (self-loop, normal keepalive path).
	{StateUp, EventRecvUp}: {
		newState: StateUp,
		actions:  nil,
	},

	// Up + timer expired -> Down (RFC 5880 Section 6.8.4).
	{StateUp, EventTimerExpired}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagTimeExpired, ActionRecordDowntime, ActionNotifyStatus},
	},

	// Up + AdminDown -> AdminDown.
	{StateUp, EventAdminDown}: {
		newState: StateAdminDown,
		actions:  []Action{ActionSetDiagAdminDown, ActionRecordDowntime, ActionNotifyStatus},
	},
}

// FSMResult is the outcome of applying an Event to a State.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// ApplyEvent applies event to currentState and returns the transition
// outcome. Unlisted (state, event) pairs are silently ignored: the state
// is unchanged and Actions is empty.
func ApplyEvent(currentState State, event Event) FSMResult {
	tr, ok := fsmTable[stateEvent{state: currentState, event: event}]
	if !ok {
		return FSMResult{OldState: currentState, NewState: currentState}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}

// ApplyActions carries out every action in actions against s except
// ActionSendControl, which requires a live socket and is left for the
// caller (the Dispatcher, which owns Transport) to execute. This lets
// ConfigApplier drive the same AdminDown/AdminUp transitions the protocol
// dispatch loop drives — operator shutdown is, semantically, just another
// FSM event — without either caller duplicating the field-level mutation
// logic. Returns the leftover actions (currently only ever ActionSendControl)
// in order.
func ApplyActions(s *Session, actions []Action, notify Notifier, now time.Time) []Action {
	var leftover []Action
	for _, action := range actions {
		switch action {
		case ActionSendControl:
			leftover = append(leftover, action)
		case ActionRecordUptime:
			s.LocalDiag = DiagNone
			s.Polling = true
			s.Uptime = now
			s.EchoActive = s.hasEcho()
		case ActionRecordDowntime:
			s.Downtime = now
			s.RemoteDiscr = 0
			s.Polling = false
			s.DemandMode = false
			s.EchoActive = false
		case ActionSetDiagTimeExpired:
			s.LocalDiag = DiagControlTimeExpired
		case ActionSetDiagNeighborDown:
			s.LocalDiag = DiagNeighborDown
		case ActionSetDiagAdminDown:
			s.LocalDiag = DiagAdminDown
		case ActionNotifyStatus:
			if notify != nil {
				notify.NotifyPeerStatus(PeerStatusEventFor(s, now))
			}
		}
	}
	return leftover
}

// RecvStateToEvent maps a peer-reported session State (the State field of
// a received control packet) to the FSM event it drives.
func RecvStateToEvent(remoteState State) Event {
	switch remoteState {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	case StateUp:
		return EventRecvUp
	default:
		return EventRecvDown
	}
}
