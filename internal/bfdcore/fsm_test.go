package bfdcore_test

import (
	"slices"
	"testing"
	"time"

	"github.com/nthop/corebfd/internal/bfdcore"
)

// TestFSMTransitionTable covers all 16 explicit entries of the transition
// table against RFC 5880 Section 6.8.6 (reception), Section 6.8.4 (timer
// expiry) and Section 6.8.16 (administrative control), plus the
// broader peer-status notify rule.
func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       bfdcore.State
		event       bfdcore.Event
		wantState   bfdcore.State
		wantChanged bool
		wantActions []bfdcore.Action
	}{
		{
			name:        "AdminDown+AdminUp->Down",
			state:       bfdcore.StateAdminDown,
			event:       bfdcore.EventAdminUp,
			wantState:   bfdcore.StateDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Down+RecvDown->Init",
			state:       bfdcore.StateDown,
			event:       bfdcore.EventRecvDown,
			wantState:   bfdcore.StateInit,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSendControl},
		},
		{
			name:        "Down+RecvInit->Up",
			state:       bfdcore.StateDown,
			event:       bfdcore.EventRecvInit,
			wantState:   bfdcore.StateUp,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSendControl, bfdcore.ActionRecordUptime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Down+AdminDown->AdminDown",
			state:       bfdcore.StateDown,
			event:       bfdcore.EventAdminDown,
			wantState:   bfdcore.StateAdminDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagAdminDown, bfdcore.ActionRecordDowntime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Init+RecvAdminDown->Down",
			state:       bfdcore.StateInit,
			event:       bfdcore.EventRecvAdminDown,
			wantState:   bfdcore.StateDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagNeighborDown, bfdcore.ActionRecordDowntime},
		},
		{
			name:        "Init+RecvDown->Init self-loop",
			state:       bfdcore.StateInit,
			event:       bfdcore.EventRecvDown,
			wantState:   bfdcore.StateInit,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Init+RecvInit->Up",
			state:       bfdcore.StateInit,
			event:       bfdcore.EventRecvInit,
			wantState:   bfdcore.StateUp,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSendControl, bfdcore.ActionRecordUptime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Init+RecvUp->Up",
			state:       bfdcore.StateInit,
			event:       bfdcore.EventRecvUp,
			wantState:   bfdcore.StateUp,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSendControl, bfdcore.ActionRecordUptime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Init+TimerExpired->Down",
			state:       bfdcore.StateInit,
			event:       bfdcore.EventTimerExpired,
			wantState:   bfdcore.StateDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagTimeExpired, bfdcore.ActionRecordDowntime},
		},
		{
			name:        "Init+AdminDown->AdminDown",
			state:       bfdcore.StateInit,
			event:       bfdcore.EventAdminDown,
			wantState:   bfdcore.StateAdminDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagAdminDown, bfdcore.ActionRecordDowntime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Up+RecvAdminDown->Down",
			state:       bfdcore.StateUp,
			event:       bfdcore.EventRecvAdminDown,
			wantState:   bfdcore.StateDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagNeighborDown, bfdcore.ActionRecordDowntime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Up+RecvDown->Down",
			state:       bfdcore.StateUp,
			event:       bfdcore.EventRecvDown,
			wantState:   bfdcore.StateDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagNeighborDown, bfdcore.ActionRecordDowntime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Up+RecvInit->Up self-loop",
			state:       bfdcore.StateUp,
			event:       bfdcore.EventRecvInit,
			wantState:   bfdcore.StateUp,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Up+RecvUp->Up self-loop",
			state:       bfdcore.StateUp,
			event:       bfdcore.EventRecvUp,
			wantState:   bfdcore.StateUp,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Up+TimerExpired->Down",
			state:       bfdcore.StateUp,
			event:       bfdcore.EventTimerExpired,
			wantState:   bfdcore.StateDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagTimeExpired, bfdcore.ActionRecordDowntime, bfdcore.ActionNotifyStatus},
		},
		{
			name:        "Up+AdminDown->AdminDown",
			state:       bfdcore.StateUp,
			event:       bfdcore.EventAdminDown,
			wantState:   bfdcore.StateAdminDown,
			wantChanged: true,
			wantActions: []bfdcore.Action{bfdcore.ActionSetDiagAdminDown, bfdcore.ActionRecordDowntime, bfdcore.ActionNotifyStatus},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := bfdcore.ApplyEvent(tt.state, tt.event)

			if result.OldState != tt.state {
				t.Errorf("OldState = %v, want %v", result.OldState, tt.state)
			}
			if result.NewState != tt.wantState {
				t.Errorf("NewState = %v, want %v", result.NewState, tt.wantState)
			}
			if result.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", result.Changed, tt.wantChanged)
			}
			if !slices.Equal(result.Actions, tt.wantActions) {
				t.Errorf("Actions = %v, want %v", result.Actions, tt.wantActions)
			}
		})
	}
}

// TestFSMIgnoredEvents verifies that (state, event) pairs with no table
// entry leave the state unchanged and produce no actions.
func TestFSMIgnoredEvents(t *testing.T) {
	t.Parallel()

	ignored := []struct {
		state bfdcore.State
		event bfdcore.Event
	}{
		{bfdcore.StateAdminDown, bfdcore.EventRecvDown},
		{bfdcore.StateAdminDown, bfdcore.EventRecvInit},
		{bfdcore.StateAdminDown, bfdcore.EventRecvUp},
		{bfdcore.StateAdminDown, bfdcore.EventRecvAdminDown},
		{bfdcore.StateAdminDown, bfdcore.EventTimerExpired},
		{bfdcore.StateDown, bfdcore.EventRecvUp},
		{bfdcore.StateDown, bfdcore.EventTimerExpired},
	}

	for _, tc := range ignored {
		result := bfdcore.ApplyEvent(tc.state, tc.event)
		if result.Changed {
			t.Errorf("state=%v event=%v: expected no change, got %v", tc.state, tc.event, result.NewState)
		}
		if len(result.Actions) != 0 {
			t.Errorf("state=%v event=%v: expected no actions, got %v", tc.state, tc.event, result.Actions)
		}
	}
}

func TestApplyActionsMutatesSessionAndNotifies(t *testing.T) {
	t.Parallel()

	n := bfdcore.NewNotifyOut()
	ch := n.Subscribe()

	s := &bfdcore.Session{State: bfdcore.StateUp}
	now := time.Now()

	leftover := bfdcore.ApplyActions(s, []bfdcore.Action{
		bfdcore.ActionSetDiagNeighborDown,
		bfdcore.ActionRecordDowntime,
		bfdcore.ActionNotifyStatus,
		bfdcore.ActionSendControl,
	}, n, now)

	if s.LocalDiag != bfdcore.DiagNeighborDown {
		t.Errorf("LocalDiag = %v, want NeighborDown", s.LocalDiag)
	}
	if s.Downtime != now {
		t.Errorf("Downtime = %v, want %v", s.Downtime, now)
	}
	if len(leftover) != 1 || leftover[0] != bfdcore.ActionSendControl {
		t.Errorf("leftover = %v, want [ActionSendControl]", leftover)
	}

	select {
	case <-ch:
	default:
		t.Error("expected a peer-status notify to have been published")
	}
}

func TestApplyActionsRecordUptimeClearsDiagAndEvaluatesEcho(t *testing.T) {
	t.Parallel()

	s := &bfdcore.Session{
		State:       bfdcore.StateUp,
		LocalDiag:   bfdcore.DiagControlTimeExpired,
		EchoEnabled: true,
		Timers:      bfdcore.SessionTimers{RequiredMinEcho: 50 * time.Millisecond},
		Remote:      bfdcore.RemoteState{RequiredMinEcho: 50 * time.Millisecond},
	}
	now := time.Now()

	bfdcore.ApplyActions(s, []bfdcore.Action{bfdcore.ActionRecordUptime}, nil, now)

	if s.LocalDiag != bfdcore.DiagNone {
		t.Errorf("LocalDiag = %v, want None", s.LocalDiag)
	}
	if !s.Polling {
		t.Error("expected Polling to be set")
	}
	if s.Uptime != now {
		t.Errorf("Uptime = %v, want %v", s.Uptime, now)
	}
	if !s.EchoActive {
		t.Error("expected EchoActive true: echo enabled locally and peer declared nonzero echo-RX")
	}
}

func TestApplyActionsRecordUptimeEchoRequiresPeerDeclaration(t *testing.T) {
	t.Parallel()

	s := &bfdcore.Session{
		State:       bfdcore.StateUp,
		EchoEnabled: true,
		Timers:      bfdcore.SessionTimers{RequiredMinEcho: 50 * time.Millisecond},
		// Remote.RequiredMinEcho left zero: peer never declared an echo-RX interval.
	}
	now := time.Now()

	bfdcore.ApplyActions(s, []bfdcore.Action{bfdcore.ActionRecordUptime}, nil, now)

	if s.EchoActive {
		t.Error("expected EchoActive false: peer declared no echo-RX interval")
	}
}

func TestApplyActionsRecordUptimeEchoExcludedForMultiHop(t *testing.T) {
	t.Parallel()

	s := &bfdcore.Session{
		State:       bfdcore.StateUp,
		MultiHop:    true,
		EchoEnabled: true,
		Timers:      bfdcore.SessionTimers{RequiredMinEcho: 50 * time.Millisecond},
		Remote:      bfdcore.RemoteState{RequiredMinEcho: 50 * time.Millisecond},
	}
	now := time.Now()

	bfdcore.ApplyActions(s, []bfdcore.Action{bfdcore.ActionRecordUptime}, nil, now)

	if s.EchoActive {
		t.Error("expected EchoActive false: echo function is single-hop only")
	}
}

func TestRecvStateToEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state bfdcore.State
		want  bfdcore.Event
	}{
		{bfdcore.StateAdminDown, bfdcore.EventRecvAdminDown},
		{bfdcore.StateDown, bfdcore.EventRecvDown},
		{bfdcore.StateInit, bfdcore.EventRecvInit},
		{bfdcore.StateUp, bfdcore.EventRecvUp},
	}

	for _, tt := range tests {
		if got := bfdcore.RecvStateToEvent(tt.state); got != tt.want {
			t.Errorf("RecvStateToEvent(%v) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
