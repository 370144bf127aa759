package actor

import (
	"context"

	"formrunner/internal/records"
)

// Credentials identify a portal account used to establish an actor session
type Credentials struct {
	PortalURL string
	Username  string
	Password  string
}

// Actor is the opaque collaborator that performs the vendor-specific
// workflow for one record at a time. Its session state is exclusive and
// non-shareable: EstablishSession is called once per run, ProcessItem once
// per retry attempt, and Release always runs when the run ends, by any path.
type Actor interface {
	// EstablishSession logs into the portal. Failure here is fatal to the
	// run; no record can be processed without an authenticated session.
	EstablishSession(ctx context.Context, creds Credentials) error

	// ProcessItem drives one record through the portal workflow and returns
	// a human-readable outcome note on success.
	ProcessItem(ctx context.Context, rec records.Record) (string, error)

	// Release tears down the session. Idempotent.
	Release() error
}
