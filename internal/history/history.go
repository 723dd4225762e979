// Package history tracks per-trigger-group, per-contact firing state. The
// evaluation gates (once per user, cooldown) read it, and every fire writes it
// back through an atomic conditional claim so that concurrent evaluator
// replicas cannot double-fire the same trigger for the same contact.
package history

import (
	"context"
	"time"
)

// Record is the firing state for one (trigger group, contact) pair. A zero
// Record means the pair has never fired.
type Record struct {
	LastFiredAt time.Time
	FireCount   int64
}

// HasFired reports whether the record describes at least one past firing.
func (r Record) HasFired() bool {
	return r.FireCount > 0 || !r.LastFiredAt.IsZero()
}

// Store persists firing history and contact inbound activity.
//
// RecordFiring is the commit half of the gate check: it re-applies the
// once-per-user and cooldown constraints inside the store's own atomic
// primitive and reports whether this caller won the claim. A false return with
// a nil error means another writer fired first and the caller must treat the
// event as gated.
type Store interface {
	// Get returns the firing record for a pair. Never-fired pairs return the
	// zero Record and a nil error.
	Get(ctx context.Context, groupID, contactID string) (Record, error)

	// RecordFiring atomically claims a firing at the given instant. A zero
	// cooldown disables the cooldown re-check; oncePerUser=false disables the
	// once re-check.
	RecordFiring(ctx context.Context, groupID, contactID string, at time.Time, oncePerUser bool, cooldown time.Duration) (bool, error)

	// LastInboundAt returns when the contact last sent an inbound message, or
	// the zero time if the store has never seen one.
	LastInboundAt(ctx context.Context, contactID string) (time.Time, error)

	// TouchInbound records an inbound message from the contact. Later
	// timestamps win; a touch older than the stored one is ignored.
	TouchInbound(ctx context.Context, contactID string, at time.Time) error
}
