// Package jobmonerr collects the error taxonomy from the error-handling
// design: transition errors, invalid usage, invalid responses, signal-driven
// interruption, and the few domain-specific fail-fast conditions raised
// during swarm build.
package jobmonerr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUsage           = errors.New("invalid usage")
	ErrInvalidResponse        = errors.New("invalid response from state server")
	ErrDistributorInterrupted = errors.New("distributor interrupted")
	ErrWorkflowNotResumable   = errors.New("workflow is not resumable")
	ErrEmptyWorkflow          = errors.New("no workflow found for the given id")
	ErrInvalidCallableResult  = errors.New("compute resources callable did not return a resource map")
)

// InvalidStateTransition is raised when a caller requests a transition that
// is not a legal successor of the entity's current status. It is not
// returned to HTTP callers as a 4xx/5xx — handlers translate it into a 200
// response carrying the entity's current status plus a WARN-level log, per
// spec §4.1's idempotent-transition contract. It is exported as a typed
// error so callers that do need to distinguish "already there" from
// "actually illegal" can inspect Repeat.
type InvalidStateTransition struct {
	Entity string
	From   string
	To     string
	// Repeat is true when From == To: a no-op re-transition, logged at WARN
	// rather than ERROR and still reported as success.
	Repeat bool
}

func (e *InvalidStateTransition) Error() string {
	if e.Repeat {
		return fmt.Sprintf("%s already in status %q", e.Entity, e.From)
	}
	return fmt.Sprintf("illegal %s transition from %q to %q", e.Entity, e.From, e.To)
}

// NewIllegalTransition builds an InvalidStateTransition for a from != to
// move that the transition table rejects.
func NewIllegalTransition(entity, from, to string) *InvalidStateTransition {
	return &InvalidStateTransition{Entity: entity, From: from, To: to, Repeat: from == to}
}
