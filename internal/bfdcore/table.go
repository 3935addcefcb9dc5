package bfdcore

import (
	"fmt"
	"net/netip"
	"sync"
)

// SessionTable is the process-wide registry of sessions: one primary
// index by local discriminator plus two mutually-exclusive secondary
// indices (shop, mhop) selected by each session's MultiHop flag, and a
// label registry relating a human-chosen alias to its owning session.
//
// Per spec's concurrency model (a single dispatcher goroutine owns and
// mutates the table) the mutex here exists only to let ConfigApplier and
// read-only admin queries (Sessions, etc.) safely observe the table
// from outside the dispatcher goroutine; the dispatcher itself never
// contends against another writer.
type SessionTable struct {
	mu      sync.RWMutex
	byDiscr map[uint32]*Session
	byShop  map[ShopKey]*Session
	byMhop  map[MhopKey]*Session
	byLabel map[string]*Session
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		byDiscr: make(map[uint32]*Session),
		byShop:  make(map[ShopKey]*Session),
		byMhop:  make(map[MhopKey]*Session),
		byLabel: make(map[string]*Session),
	}
}

// FindByDiscriminator looks up a session by its local discriminator.
func (t *SessionTable) FindByDiscriminator(d uint32) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byDiscr[d]
	return s, ok
}

// FindShop looks up a single-hop session, trying the fully-specified key
// first and falling back to PortName="" since the interface is optional.
func (t *SessionTable) FindShop(key ShopKey) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.byShop[key]; ok {
		return s, ok
	}
	if key.PortName == "" {
		return nil, false
	}
	s, ok := t.byShop[ShopKey{Peer: key.Peer, PortName: ""}]
	return s, ok
}

// FindMhop looks up a multi-hop session.
func (t *SessionTable) FindMhop(key MhopKey) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byMhop[key]
	return s, ok
}

// InboundQuery describes the fields used to locate the session a received
// control packet (or an administrative request) belongs to.
type InboundQuery struct {
	// HasPacket is false for administrative lookups, where only the key
	// fields below apply.
	HasPacket bool

	YourDiscriminator uint32
	PeerState         State

	Peer     netip.Addr
	Local    netip.Addr
	PortName string
	VRFName  string
	IsMhop   bool
}

// FindForInbound implements the composite lookup rule of spec 4.1: if the
// packet carries a non-zero Your Discriminator, look up by discriminator
// and verify the peer address matches; otherwise, if the packet reports
// Down or AdminDown, fall back to the shop/mhop key; otherwise there is no
// match. Administrative callers (HasPacket=false) always use the key.
func (t *SessionTable) FindForInbound(q InboundQuery) (*Session, bool) {
	if q.HasPacket && q.YourDiscriminator != 0 {
		s, ok := t.FindByDiscriminator(q.YourDiscriminator)
		if !ok || !sessionPeerMatches(s, q.Peer) {
			return nil, false
		}
		return s, true
	}

	if q.HasPacket && q.PeerState != StateDown && q.PeerState != StateAdminDown {
		return nil, false
	}

	if q.IsMhop {
		return t.FindMhop(MhopKey{Peer: q.Peer, Local: q.Local, VRFName: q.VRFName})
	}
	return t.FindShop(ShopKey{Peer: q.Peer, PortName: q.PortName})
}

func sessionPeerMatches(s *Session, peer netip.Addr) bool {
	switch {
	case s.Shop != nil:
		return s.Shop.Peer == peer
	case s.Mhop != nil:
		return s.Mhop.Peer == peer
	default:
		return false
	}
}

// Insert adds s to the discriminator index and to exactly one of the shop
// or mhop indices, selected by s.MultiHop. Returns ErrExists if the
// session's key already maps to a different session, or ErrDiscriminatorExists
// if the discriminator is already registered.
func (t *SessionTable) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byDiscr[s.LocalDiscr]; exists {
		return fmt.Errorf("insert session: discriminator %d: %w", s.LocalDiscr, ErrDiscriminatorExists)
	}

	if s.MultiHop {
		if s.Mhop == nil {
			return fmt.Errorf("insert session: multihop session missing MhopKey: %w", ErrInvalidConfig)
		}
		if _, exists := t.byMhop[*s.Mhop]; exists {
			return fmt.Errorf("insert session: mhop key %+v: %w", *s.Mhop, ErrExists)
		}
	} else {
		if s.Shop == nil {
			return fmt.Errorf("insert session: single-hop session missing ShopKey: %w", ErrInvalidConfig)
		}
		if _, exists := t.byShop[*s.Shop]; exists {
			return fmt.Errorf("insert session: shop key %+v: %w", *s.Shop, ErrExists)
		}
	}

	if s.Label != "" {
		if _, exists := t.byLabel[s.Label]; exists {
			return fmt.Errorf("insert session: label %q: %w", s.Label, ErrInvalidConfig)
		}
	}

	t.byDiscr[s.LocalDiscr] = s
	if s.MultiHop {
		t.byMhop[*s.Mhop] = s
	} else {
		t.byShop[*s.Shop] = s
	}
	if s.Label != "" {
		t.byLabel[s.Label] = s
	}

	return nil
}

// Remove deletes s from every index it participates in. Idempotent.
func (t *SessionTable) Remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byDiscr, s.LocalDiscr)
	if s.MultiHop {
		if s.Mhop != nil {
			delete(t.byMhop, *s.Mhop)
		}
	} else {
		if s.Shop != nil {
			delete(t.byShop, *s.Shop)
		}
	}
	if s.Label != "" {
		delete(t.byLabel, s.Label)
	}
}

// PLFind looks up a session by label.
func (t *SessionTable) PLFind(label string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byLabel[label]
	return s, ok
}

// PLNew binds label to s. Fails with ErrInvalidConfig if the label is
// already bound to a different session (spec 3.6: a label binding is
// one-to-one; creating a session with a pre-existing label refuses rather
// than overwrites).
func (t *SessionTable) PLNew(label string, s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, exists := t.byLabel[label]; exists && existing != s {
		return fmt.Errorf("assign label %q: %w", label, ErrInvalidConfig)
	}
	t.byLabel[label] = s
	s.Label = label
	return nil
}

// PLFree removes the label binding, leaving the session itself in place.
func (t *SessionTable) PLFree(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, exists := t.byLabel[label]; exists {
		if s.Label == label {
			s.Label = ""
		}
		delete(t.byLabel, label)
	}
}

// Sessions returns a snapshot slice of every session currently in the
// table, for admin listing. The slice is a point-in-time copy of the
// pointers; the sessions themselves are still owned by the dispatcher.
func (t *SessionTable) Sessions() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.byDiscr))
	for _, s := range t.byDiscr {
		out = append(out, s)
	}
	return out
}

// Len reports the number of sessions in the table.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byDiscr)
}
