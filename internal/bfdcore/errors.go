package bfdcore

import "errors"

// Sentinel errors shared across the core. Call sites wrap these with
// fmt.Errorf("%w") and inspect with errors.Is/errors.As; batch operations
// (config reconciliation, control-plane batch apply) handle each item's
// failure separately (a log line, a per-entry result) rather than aborting
// on the first one.
var (
	// ErrNotFound is returned by table lookups that find nothing.
	ErrNotFound = errors.New("bfdcore: session not found")

	// ErrExists is returned when creating a session whose key (shop or
	// mhop) already has an entry in the table.
	ErrExists = errors.New("bfdcore: session already exists")

	// ErrDiscriminatorExists is returned when a forced discriminator
	// collides with one already allocated.
	ErrDiscriminatorExists = errors.New("bfdcore: discriminator already allocated")

	// ErrResourceExhausted is returned when the discriminator space is
	// exhausted.
	ErrResourceExhausted = errors.New("bfdcore: resource exhausted")

	// ErrInvalidConfig is returned when a PeerConfig fails validation.
	ErrInvalidConfig = errors.New("bfdcore: invalid configuration")

	// ErrRefcountBusy is returned when a delete is requested on a
	// session whose reference count (Session.RefCount) is nonzero.
	ErrRefcountBusy = errors.New("bfdcore: session is still referenced")

	// ErrUnknownTimer names a timer handle the wheel does not recognize.
	// No TimerWheel method returns it: Delete and DeleteAll on an unknown
	// handle are no-ops.
	ErrUnknownTimer = errors.New("bfdcore: unknown timer handle")

	// ErrShuttingDown names a dispatcher that has stopped accepting new
	// work. The Dispatcher has no such draining mode and does not return it.
	ErrShuttingDown = errors.New("bfdcore: dispatcher is shutting down")
)
